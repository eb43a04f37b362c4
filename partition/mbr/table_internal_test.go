package mbr

import (
	"crypto/rand"
	"fmt"
	"strings"
	"testing"
)

const testPartitionTableUUID = "10e9203d"

// GetValidTable returns a fixed, internally consistent table used across
// this package's tests.
func GetValidTable() *Table {
	table := &Table{
		LogicalSectorSize:  sectorSize,
		PhysicalSectorSize: sectorSize,
		partitionTableUUID: testPartitionTableUUID,
	}
	parts := []*Partition{
		{
			Bootable:      false,
			StartHead:     0x20,
			StartSector:   0x21,
			StartCylinder: 0x00,
			Type:          Linux,
			EndHead:       0x31,
			EndSector:     0x18,
			EndCylinder:   0x00,
			Start:         partitionStart,
			Size:          partitionSize,
			partitionUUID: formatPartitionUUID(testPartitionTableUUID, 1),
		},
	}
	for i := 1; i < partitionCount; i++ {
		parts = append(parts, &Partition{Type: Empty, partitionUUID: formatPartitionUUID(testPartitionTableUUID, i+1)})
	}
	table.Partitions = parts
	return table
}

func TestTableFromBytesShortSlice(t *testing.T) {
	b := make([]byte, mbrSize-1)
	_, _ = rand.Read(b)
	table, err := tableFromBytes(b)
	if table != nil {
		t.Error("should return nil table")
	}
	if err == nil {
		t.Fatal("should not return nil error")
	}
	expected := fmt.Sprintf("data for partition was %d bytes", len(b))
	if !strings.HasPrefix(err.Error(), expected) {
		t.Errorf("error type %q instead of expected prefix %q", err.Error(), expected)
	}
}

func TestTableFromBytesInvalidSignature(t *testing.T) {
	valid := GetValidTable()
	b := valid.toPartitionTableBytesWithBootstrap()
	b[mbrSize-1] = 0x00
	table, err := tableFromBytes(b)
	if table != nil {
		t.Error("should return nil table")
	}
	if err == nil {
		t.Fatal("should not return nil error")
	}
	expected := "invalid MBR Signature"
	if !strings.HasPrefix(err.Error(), expected) {
		t.Errorf("error type %q instead of expected prefix %q", err.Error(), expected)
	}
}

func TestTableFromBytesRoundTrip(t *testing.T) {
	valid := GetValidTable()
	b := valid.toPartitionTableBytesWithBootstrap()
	table, err := tableFromBytes(b)
	if err != nil {
		t.Fatalf("returned non-nil error: %v", err)
	}
	if !table.Equal(valid) {
		t.Errorf("actual table %+v differed from expected %+v", table, valid)
	}
	if table.partitionTableUUID != testPartitionTableUUID {
		t.Errorf("expected partition table UUID %s, got %s", testPartitionTableUUID, table.partitionTableUUID)
	}
}

// toPartitionTableBytesWithBootstrap is a test helper producing a full
// 512-byte MBR image (zero bootstrap) from a Table, for feeding back into
// tableFromBytes.
func (t *Table) toPartitionTableBytesWithBootstrap() []byte {
	full := make([]byte, mbrSize)
	copy(full[signatureOffset:], t.toPartitionTableBytes())
	return full
}

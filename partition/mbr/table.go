// Package mbr implements the MBR codec: byte-exact parse/emit of the
// classic 512-byte Master Boot Record partition table, validation, and a
// "find or create partition by signature" convenience.
package mbr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/xila-project/vfs-core/backend"
	"github.com/xila-project/vfs-core/partition/part"
	"github.com/xila-project/vfs-core/partition/window"
	"github.com/xila-project/vfs-core/util/bitmap"
)

const (
	mbrSize           = 512
	bootstrapSize     = 440
	signatureOffset   = 440
	reservedOffset    = 444
	partitionsOffset  = 446
	partitionEntrySize = 16
	partitionCount    = 4
	bootSigOffset     = 510

	bootSig0 = 0x55
	bootSig1 = 0xAA

	bootableFlag    = 0x80
	notBootableFlag = 0x00

	// partitionStart is the default LBA alignment for the single bootable
	// partition CreateBasic produces, matching the well-known 1 MiB
	// alignment convention (2048 * 512-byte sectors).
	partitionStart uint32 = 2048
	// partitionSize is a placeholder fixture size used by internal test
	// helpers; production code always derives real sizes from the caller.
	partitionSize uint32 = 100
)

// PartitionType is the one-byte MBR partition type code.
type PartitionType byte

// Well-known partition types.
const (
	Empty            PartitionType = 0x00
	FAT32            PartitionType = 0x0B
	FAT32LBA         PartitionType = 0x0C
	NTFS             PartitionType = 0x07
	Linux            PartitionType = 0x83
	LinuxSwap        PartitionType = 0x82
	Extended         PartitionType = 0x05
	ExtendedLBA      PartitionType = 0x0F
	GPTProtective    PartitionType = 0xEE
	HiddenFAT16      PartitionType = 0x16
)

var partitionTypeNames = map[PartitionType]string{
	Empty:         "Empty",
	FAT32:         "FAT32",
	FAT32LBA:      "FAT32 LBA",
	NTFS:          "NTFS/exFAT",
	Linux:         "Linux",
	LinuxSwap:     "Linux swap",
	Extended:      "Extended",
	ExtendedLBA:   "Extended LBA",
	GPTProtective: "GPT protective",
	HiddenFAT16:   "Hidden FAT16",
}

func (t PartitionType) String() string {
	if name, ok := partitionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown (0x%02x)", byte(t))
}

// Partition is one 16-byte MBR partition table entry.
type Partition struct {
	Bootable bool

	StartHead, StartSector, StartCylinder byte
	Type                                  PartitionType
	EndHead, EndSector, EndCylinder       byte

	// Start and Size are in logical sectors, not bytes.
	Start uint32
	Size  uint32

	partitionUUID string
	index         int // 1-based slot position, set when read or added
}

// Valid reports whether the entry is a real partition: type != 0 and
// sector_count > 0.
func (p *Partition) Valid() bool {
	return p.Type != Empty && p.Size > 0
}

// GetIndex returns the partition's 1-based slot position in its table.
func (p *Partition) GetIndex() int { return p.index }

// GetSize returns the partition size in bytes.
func (p *Partition) GetSize() int64 { return int64(p.Size) * sectorSize }

// GetStart returns the partition's byte offset on the disk.
func (p *Partition) GetStart() int64 { return int64(p.Start) * sectorSize }

// UUID returns this partition's pseudo-UUID, derived from the disk
// signature and slot index.
func (p *Partition) UUID() string { return p.partitionUUID }

// Label returns a human-friendly label; MBR entries carry no label field
// of their own, so this is synthesized from the type name.
func (p *Partition) Label() string { return p.Type.String() }

const sectorSize = 512

// ReadContents copies this partition's raw bytes from f to w.
func (p *Partition) ReadContents(f backend.File, w io.Writer) (int64, error) {
	section := io.NewSectionReader(f, p.GetStart(), p.GetSize())
	return io.Copy(w, section)
}

// WriteContents copies from r into this partition's region of f, up to the
// partition's size, returning an IncompletePartitionWriteError if f
// accepts fewer bytes than were read from r. r running out before the
// partition is full is not an error.
func (p *Partition) WriteContents(f backend.WritableFile, r io.Reader) (uint64, error) {
	limited := io.LimitReader(r, p.GetSize())
	var written uint64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := limited.Read(buf)
		if n > 0 {
			wn, werr := f.WriteAt(buf[:n], p.GetStart()+int64(written))
			written += uint64(wn)
			if werr != nil {
				return written, werr
			}
			if wn < n {
				return written, part.NewIncompletePartitionWriteError(written, uint64(p.GetSize()))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, rerr
		}
	}
	return written, nil
}

// Table is the in-memory decoded MBR: four partition slots plus sector
// geometry used to translate LBA counts into byte offsets.
type Table struct {
	LogicalSectorSize  int
	PhysicalSectorSize int
	Partitions         []*Partition

	partitionTableUUID string
}

// Type identifies this table as MBR, matching partition.Table.
func (t *Table) Type() string { return "mbr" }

// UUID returns the disk's partition-table UUID.
func (t *Table) UUID() string { return t.partitionTableUUID }

// GetPartitions returns the table's partitions as the generic interface.
func (t *Table) GetPartitions() []part.Partition {
	out := make([]part.Partition, 0, len(t.Partitions))
	for _, p := range t.Partitions {
		if !p.Valid() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Equal reports whether two tables describe the same partitions, ignoring
// CHS geometry bytes (informational only).
func (t *Table) Equal(other *Table) bool {
	if other == nil {
		return false
	}
	if len(t.Partitions) != len(other.Partitions) {
		return false
	}
	for i := range t.Partitions {
		if !partitionEqual(t.Partitions[i], other.Partitions[i]) {
			return false
		}
	}
	return true
}

func partitionEqual(a, b *Partition) bool {
	return a.Bootable == b.Bootable && a.Type == b.Type &&
		a.Start == b.Start && a.Size == b.Size
}

// PartitionEqualBytes compares two raw 16-byte partition entries, ignoring
// the informational CHS geometry bytes (indices 1-3 and 5-7).
func PartitionEqualBytes(b1, b2 []byte) bool {
	if len(b1) != partitionEntrySize || len(b2) != partitionEntrySize {
		return false
	}
	if b1[0] != b2[0] {
		return false
	}
	if b1[4] != b2[4] {
		return false
	}
	if !bytes.Equal(b1[8:16], b2[8:16]) {
		return false
	}
	return true
}

func formatPartitionUUID(tableUUID string, index int) string {
	return fmt.Sprintf("%s-%02d", tableUUID, index)
}

// Verify checks the table against a disk of the given size: every valid
// partition must fit inside the disk, no two valid partitions may
// overlap, and at most one may be bootable.
func (t *Table) Verify(f backend.File, diskSize uint64) error {
	bootableCount := 0
	for i, p := range t.Partitions {
		if !p.Valid() {
			continue
		}
		if p.Bootable {
			bootableCount++
		}
		end := uint64(p.Start) + uint64(p.Size)
		if end*sectorSize > diskSize {
			return fmt.Errorf("partition %d extends past end of disk", i)
		}
		for j := i + 1; j < len(t.Partitions); j++ {
			other := t.Partitions[j]
			if !other.Valid() {
				continue
			}
			if overlap(p, other) {
				return fmt.Errorf("partitions %d and %d overlap", i, j)
			}
		}
	}
	if bootableCount > 1 {
		return fmt.Errorf("more than one bootable partition")
	}
	return nil
}

func overlap(a, b *Partition) bool {
	aStart, aEnd := uint64(a.Start), uint64(a.Start)+uint64(a.Size)
	bStart, bEnd := uint64(b.Start), uint64(b.Start)+uint64(b.Size)
	return aStart < bEnd && bStart < aEnd
}

// Repair demotes every bootable flag after the first valid bootable
// partition, then re-runs Verify. It changes nothing else: partitions that
// overlap or extend past the disk are left in place and reported by Verify.
func (t *Table) Repair(diskSize uint64) error {
	seenBootable := false
	for _, p := range t.Partitions {
		if p.Valid() && p.Bootable {
			if seenBootable {
				p.Bootable = false
			}
			seenBootable = true
		}
	}
	return t.Verify(nil, diskSize)
}

// IsGPTProtective reports whether slot 0 carries the GPT-protective type
// byte 0xEE — the only GPT awareness this core has; real GPT parsing is
// out of scope.
func (t *Table) IsGPTProtective() bool {
	return len(t.Partitions) > 0 && t.Partitions[0].Type == GPTProtective
}

// AddPartition places a new entry in the first empty slot, rejecting
// overlaps with existing valid partitions.
func (t *Table) AddPartition(pType PartitionType, start, sectors uint32, bootable bool) (int, error) {
	candidate := &Partition{Type: pType, Start: start, Size: sectors, Bootable: bootable}
	for i, p := range t.Partitions {
		if p.Valid() {
			if overlap(p, candidate) {
				return -1, fmt.Errorf("new partition overlaps existing partition %d", i)
			}
			continue
		}
	}
	for i, p := range t.Partitions {
		if !p.Valid() {
			candidate.partitionUUID = formatPartitionUUID(t.partitionTableUUID, i+1)
			candidate.index = i + 1
			t.Partitions[i] = candidate
			if bootable {
				t.SetBootablePartition(i)
			}
			return i, nil
		}
	}
	return -1, fmt.Errorf("no free partition slot")
}

// allocUnit is the granularity FreeRegions/AddPartitionAuto place new
// partitions at, matching CreateBasic's 1 MiB alignment.
const allocUnit = partitionStart

// FreeRegions reports the disk's unallocated space as contiguous sector
// runs, tracked internally at allocUnit granularity via a bitmap so large
// disks don't need a per-sector bit.
func (t *Table) FreeRegions(totalSectors uint32) []bitmap.Contiguous {
	units := int(totalSectors / allocUnit)
	bm := bitmap.NewBits(units)
	for _, p := range t.Partitions {
		if !p.Valid() {
			continue
		}
		first := int(p.Start / allocUnit)
		last := int((p.Start + p.Size - 1) / allocUnit)
		for u := first; u <= last && u < units; u++ {
			_ = bm.Set(u)
		}
	}
	free := bm.FreeList()
	out := make([]bitmap.Contiguous, len(free))
	for i, c := range free {
		out[i] = bitmap.Contiguous{Position: c.Position * int(allocUnit), Count: c.Count * int(allocUnit)}
	}
	return out
}

// AddPartitionAuto places a new partition of the given sector count in the
// first free region large enough to hold it, rounding the request up to
// allocUnit so the new partition starts aligned.
func (t *Table) AddPartitionAuto(pType PartitionType, sectors uint32, bootable bool, totalSectors uint32) (int, error) {
	needed := (sectors + allocUnit - 1) / allocUnit * allocUnit
	for _, r := range t.FreeRegions(totalSectors) {
		if uint32(r.Count) >= needed {
			return t.AddPartition(pType, uint32(r.Position), sectors, bootable)
		}
	}
	return -1, fmt.Errorf("no free region large enough for %d sectors", sectors)
}

// SetBootablePartition marks Partitions[index] bootable and clears the
// bootable bit on every other entry, enforcing "at most one bootable".
func (t *Table) SetBootablePartition(index int) error {
	if index < 0 || index >= len(t.Partitions) {
		return fmt.Errorf("partition index %d out of range", index)
	}
	for i, p := range t.Partitions {
		p.Bootable = i == index
	}
	return nil
}

// CreateBasic builds a fresh MBR with a single bootable partition aligned
// to LBA 2048, sized totalSectors-2048.
func CreateBasic(signature uint32, pType PartitionType, totalSectors uint32) (*Table, error) {
	if totalSectors <= partitionStart {
		return nil, fmt.Errorf("disk too small for a basic MBR layout")
	}
	tableUUID := fmt.Sprintf("%08x", signature)
	table := &Table{
		LogicalSectorSize:  sectorSize,
		PhysicalSectorSize: sectorSize,
		partitionTableUUID: tableUUID,
	}
	table.Partitions = make([]*Partition, partitionCount)
	for i := range table.Partitions {
		table.Partitions[i] = &Partition{Type: Empty, partitionUUID: formatPartitionUUID(tableUUID, i+1), index: i + 1}
	}
	table.Partitions[0] = &Partition{
		Bootable:      true,
		Type:          pType,
		Start:         partitionStart,
		Size:          totalSectors - partitionStart,
		partitionUUID: formatPartitionUUID(tableUUID, 1),
		index:         1,
	}
	return table, nil
}

// FindOrCreatePartitionWithSignature reads f; if it already carries a
// valid MBR with the given disk signature and at least one valid
// partition, returns that table and partition. Otherwise it formats f
// fresh with CreateBasic.
func FindOrCreatePartitionWithSignature(f backend.WritableFile, diskSize int64, signature uint32, pType PartitionType) (*Table, *Partition, error) {
	expectedUUID := fmt.Sprintf("%08x", signature)
	existing, err := Read(f, sectorSize, sectorSize)
	if err == nil && existing.partitionTableUUID == expectedUUID {
		for _, p := range existing.Partitions {
			if p.Valid() {
				return existing, p, nil
			}
		}
	}
	table, err := CreateBasic(signature, pType, uint32(diskSize/sectorSize))
	if err != nil {
		return nil, nil, err
	}
	if err := table.Write(f, diskSize); err != nil {
		return nil, nil, err
	}
	return table, table.Partitions[0], nil
}

// Read parses a 512-byte MBR from f.
func Read(f backend.File, logicalBlocksize, physicalBlocksize int) (*Table, error) {
	b := make([]byte, mbrSize)
	read, err := f.ReadAt(b, 0)
	if err != nil && read == 0 {
		return nil, fmt.Errorf("error reading MBR from file: %v", err)
	}
	if read < mbrSize {
		return nil, fmt.Errorf("read only %d bytes of MBR", read)
	}
	table, err := tableFromBytes(b)
	if err != nil {
		return nil, err
	}
	table.LogicalSectorSize = logicalBlocksize
	table.PhysicalSectorSize = physicalBlocksize
	return table, nil
}

func tableFromBytes(b []byte) (*Table, error) {
	if len(b) != mbrSize {
		return nil, fmt.Errorf("data for partition was %d bytes instead of the expected %d", len(b), mbrSize)
	}
	if b[bootSigOffset] != bootSig0 || b[bootSigOffset+1] != bootSig1 {
		return nil, fmt.Errorf("invalid MBR Signature")
	}
	signature := binary.LittleEndian.Uint32(b[signatureOffset : signatureOffset+4])
	tableUUID := fmt.Sprintf("%08x", signature)

	table := &Table{
		LogicalSectorSize:  sectorSize,
		PhysicalSectorSize: sectorSize,
		partitionTableUUID: tableUUID,
	}
	table.Partitions = make([]*Partition, partitionCount)
	for i := 0; i < partitionCount; i++ {
		entry := b[partitionsOffset+i*partitionEntrySize : partitionsOffset+(i+1)*partitionEntrySize]
		table.Partitions[i] = partitionFromBytes(entry, tableUUID, i)
	}
	return table, nil
}

func partitionFromBytes(b []byte, tableUUID string, index int) *Partition {
	return &Partition{
		Bootable:      b[0] == bootableFlag,
		StartHead:     b[1],
		StartSector:   b[2],
		StartCylinder: b[3],
		Type:          PartitionType(b[4]),
		EndHead:       b[5],
		EndSector:     b[6],
		EndCylinder:   b[7],
		Start:         binary.LittleEndian.Uint32(b[8:12]),
		Size:          binary.LittleEndian.Uint32(b[12:16]),
		partitionUUID: formatPartitionUUID(tableUUID, index+1),
		index:         index + 1,
	}
}

// Write emits the table as a 512-byte MBR at offset 0 of f, leaving the
// bootstrap area ([0,440)) untouched if it already holds data (Write only
// ever touches [440,512)).
func (t *Table) Write(f backend.WritableFile, diskSize int64) error {
	b := t.toPartitionTableBytes()
	written, err := f.WriteAt(b, signatureOffset)
	if err != nil {
		return fmt.Errorf("error writing partition table to disk: %v", err)
	}
	if written < len(b) {
		return fmt.Errorf("partition table wrote %d bytes to disk instead of the expected %d", written, len(b))
	}
	return nil
}

// toPartitionTableBytes emits bytes [440,512): signature, reserved,
// partitions, boot signature.
func (t *Table) toPartitionTableBytes() []byte {
	b := make([]byte, mbrSize-signatureOffset)
	signature, err := parseSignature(t.partitionTableUUID)
	if err == nil {
		binary.LittleEndian.PutUint32(b[0:4], signature)
	}
	// b[4:6] reserved, left zero
	for i, p := range t.Partitions {
		entry := b[6+i*partitionEntrySize : 6+(i+1)*partitionEntrySize]
		partitionToBytes(p, entry)
	}
	b[len(b)-2] = bootSig0
	b[len(b)-1] = bootSig1
	return b
}

func parseSignature(tableUUID string) (uint32, error) {
	var signature uint32
	_, err := fmt.Sscanf(tableUUID, "%08x", &signature)
	return signature, err
}

func partitionToBytes(p *Partition, out []byte) {
	if p.Bootable {
		out[0] = bootableFlag
	} else {
		out[0] = notBootableFlag
	}
	out[1] = p.StartHead
	out[2] = p.StartSector
	out[3] = p.StartCylinder
	out[4] = byte(p.Type)
	out[5] = p.EndHead
	out[6] = p.EndSector
	out[7] = p.EndCylinder
	binary.LittleEndian.PutUint32(out[8:12], p.Start)
	binary.LittleEndian.PutUint32(out[12:16], p.Size)
}

// FindPartitionsByType returns every valid partition of the given type, in
// slot order. Unlike FindOrCreatePartitionWithSignature, which matches on
// the disk's overall signature, this matches on the per-entry type byte and
// never creates anything.
func (t *Table) FindPartitionsByType(pType PartitionType) []*Partition {
	var found []*Partition
	for _, p := range t.Partitions {
		if p.Valid() && p.Type == pType {
			found = append(found, p)
		}
	}
	return found
}

// CreateAllPartitionDevices builds a partition-window block device over
// base for every valid partition, in slot order, ready to be handed to
// vfs.MountBlockDevice.
func (t *Table) CreateAllPartitionDevices(base backend.Storage) []*window.Window {
	var devices []*window.Window
	for _, p := range t.Partitions {
		if !p.Valid() {
			continue
		}
		devices = append(devices, window.New(base, p.GetStart(), p.GetSize()))
	}
	return devices
}

// NewDiskSignature generates a random 32-bit disk signature via
// google/uuid's random source, avoiding an extra crypto/rand import.
func NewDiskSignature() uint32 {
	id := uuid.New()
	return binary.LittleEndian.Uint32(id[0:4])
}

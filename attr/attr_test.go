package attr

import (
	"testing"
	"time"

	"github.com/xila-project/vfs-core/ids"
)

func TestMergeOnlyTouchesMaskedFields(t *testing.T) {
	base := Attributes{Mask: MaskSize | MaskOwner, Size: 10, Owner: 7}
	patch := Attributes{Mask: MaskSize, Size: 99}
	got := base.Merge(patch)
	if got.Size != 99 {
		t.Fatalf("expected size overwritten to 99, got %d", got.Size)
	}
	if got.Owner != 7 {
		t.Fatalf("expected owner untouched at 7, got %d", got.Owner)
	}
}

func TestSelectReturnsExactlyMaskedFields(t *testing.T) {
	now := time.Now()
	full := Attributes{
		Mask: MaskAll, Kind: KindFile, Size: 42, Owner: 1, Group: 2,
		AccessTime: now,
	}
	got := full.Select(MaskSize | MaskOwner)
	if got.Mask != MaskSize|MaskOwner {
		t.Fatalf("expected mask to equal requested mask exactly, got %v", got.Mask)
	}
	if got.Size != 42 || got.Owner != 1 {
		t.Fatalf("expected requested fields preserved")
	}
	if !got.AccessTime.IsZero() {
		t.Fatalf("expected unrequested field cleared")
	}
}

func TestCheckOwnerGroupOther(t *testing.T) {
	// rw owner, r group, none other: 0640
	perm := Permissions(OwnerRead | OwnerWrite | GroupRead)
	if !Check(perm, 1, 10, 1, nil, Write) {
		t.Fatalf("owner should have write")
	}
	if Check(perm, 1, 10, 2, []ids.GroupID{10}, Write) {
		t.Fatalf("group member should not have write")
	}
	if !Check(perm, 1, 10, 2, []ids.GroupID{10}, Read) {
		t.Fatalf("group member should have read")
	}
	if Check(perm, 1, 10, 3, nil, Read) {
		t.Fatalf("unrelated user should not have read")
	}
}

func TestCheckRootBypasses(t *testing.T) {
	if !Check(Permissions(0), 1, 1, RootUserID, nil, Write) {
		t.Fatalf("root should bypass all permission checks")
	}
}

func TestCheckTraversalRequiresExecuteOnEveryAncestor(t *testing.T) {
	exec := Attributes{Permissions: Permissions(OwnerExecute), Owner: 1}
	noExec := Attributes{Permissions: Permissions(OwnerRead), Owner: 1}
	if !CheckTraversal([]Attributes{exec, exec}, 1, nil) {
		t.Fatalf("expected traversal to succeed when every ancestor grants execute")
	}
	if CheckTraversal([]Attributes{exec, noExec}, 1, nil) {
		t.Fatalf("expected traversal to fail when one ancestor lacks execute")
	}
}

package receipt

import (
	"fmt"
	"log/slog"
	"path"

	"github.com/zombor/receipt-manager/internal/naming"
)

// applyUpdate mutates item and rcpt inside tx, recomputes guarantee end dates
// and moves the receipt file when the group has a single item
func (s *Service) applyUpdate(tx *Tx, item *Item, rcpt *Receipt, upd ItemUpdate) error {
	group := tx.Doc.GroupItems(item.GroupID)
	upd.apply(item, rcpt)

	switch {
	case upd.PurchaseDate != nil:
		for _, it := range group {
			it.GuaranteeEndDate = GuaranteeEndDate(rcpt.PurchaseDate, it.GuaranteeDuration, it.GuaranteeUnit)
		}
	case upd.GuaranteeDuration != nil || upd.GuaranteeUnit != nil:
		item.GuaranteeEndDate = GuaranteeEndDate(rcpt.PurchaseDate, item.GuaranteeDuration, item.GuaranteeUnit)
	}

	if len(group) > 1 || !upd.movesFile() {
		return nil
	}
	return s.relocate(tx, item, rcpt)
}

// SharedDir holds files of receipts covering several items
const SharedDir = "_Receipts"

// relocate moves the single item's file to the name its fields now describe
func (s *Service) relocate(tx *Tx, item *Item, rcpt *Receipt) error {
	from := item.StoredRelativePath
	if from == "" || !s.storage.Exists(from) {
		slog.Debug("Skipping relocation of missing file", "item", item.ID, "path", from)
		return nil
	}

	filename := naming.BuildSingleItemFilename(item.namingFields(), rcpt.namingFields(), path.Ext(from))
	to := naming.StorageDirectoryFor(item.namingFields()) + "/" + filename
	return s.moveReceiptFile(tx, rcpt, []*Item{item}, from, to, filename)
}

// relocateShared renames a receipt file after its group grew past one item.
// The name then depends on receipt fields only.
func (s *Service) relocateShared(tx *Tx, rcpt *Receipt, group []*Item) error {
	from := rcpt.StoredRelativePath
	if from == "" || !s.storage.Exists(from) {
		return nil
	}

	filename := naming.BuildMultiItemFilename(rcpt.namingFields(), path.Ext(from))
	return s.moveReceiptFile(tx, rcpt, group, from, SharedDir+"/"+filename, filename)
}

// moveReceiptFile moves a receipt file and points the receipt and items at
// its new path. The move is undone if the document cannot be saved.
func (s *Service) moveReceiptFile(tx *Tx, rcpt *Receipt, items []*Item, from, to, filename string) error {
	if to == from {
		return nil
	}
	if s.storage.Exists(to) {
		return &CollisionError{Filename: filename}
	}

	if err := s.storage.Move(from, to); err != nil {
		return fmt.Errorf("relocating %s: %w", from, err)
	}
	slog.Info("Relocated receipt file", "from", from, "to", to)

	tx.OnRollback(func() {
		if err := s.storage.Move(to, from); err != nil {
			slog.Error("Failed to move file back after aborted change", "from", to, "to", from, "error", err)
		}
	})
	tx.OnCommit(func() {
		s.storage.RemoveEmptyDir(path.Dir(from))
	})

	rcpt.StoredFilename = filename
	rcpt.StoredRelativePath = to
	for _, it := range items {
		it.StoredRelativePath = to
	}
	return nil
}

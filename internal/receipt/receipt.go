package receipt

import (
	"github.com/zombor/receipt-manager/internal/naming"
)

// Guarantee units
const (
	UnitDays   = "days"
	UnitMonths = "months"
	UnitYears  = "years"
)

// Receipt is one purchasing event and the uploaded document proving it.
type Receipt struct {
	GroupID            string `json:"receipt_group_id"`
	Shop               string `json:"shop"`
	PurchaseDate       string `json:"purchase_date"` // YYYY-Mon-DD
	Documentation      string `json:"documentation"`
	StoredFilename     string `json:"receipt_filename"`
	StoredRelativePath string `json:"receipt_relative_path"`
}

// Item is one purchased object. Every item belongs to exactly one Receipt.
type Item struct {
	ID                 int      `json:"id"`
	GroupID            string   `json:"receipt_group_id"`
	Brand              string   `json:"brand"`
	Model              string   `json:"model"`
	Location           string   `json:"location"`
	Users              []string `json:"users"`
	Project            string   `json:"project"`
	GuaranteeDuration  int      `json:"guarantee_duration"`
	GuaranteeUnit      string   `json:"guarantee_unit"`
	GuaranteeEndDate   string   `json:"guarantee_end_date"`
	StoredRelativePath string   `json:"receipt_relative_path"`
}

// Issue reports an item whose stored file no longer exists.
type Issue struct {
	ItemID  int    `json:"id"`
	Type    string `json:"type"`
	GroupID string `json:"receipt_group_id"`
	Path    string `json:"path"`
}

// Document is the whole persisted record set.
type Document struct {
	Receipts []*Receipt `json:"receipts"`
	Items    []*Item    `json:"items"`
	NextID   int        `json:"next_id"`

	// IntegrityIssues is recomputed on demand and never compared for backups.
	IntegrityIssues []Issue `json:"integrity_issues,omitempty"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		Receipts: []*Receipt{},
		Items:    []*Item{},
		NextID:   1,
	}
}

// normalize fills in what older or hand-edited documents may be missing
// and drops null entries.
func (d *Document) normalize() {
	receipts := make([]*Receipt, 0, len(d.Receipts))
	for _, r := range d.Receipts {
		if r != nil {
			receipts = append(receipts, r)
		}
	}
	d.Receipts = receipts

	items := make([]*Item, 0, len(d.Items))
	for _, it := range d.Items {
		if it == nil {
			continue
		}
		if it.Users == nil {
			it.Users = []string{}
		}
		items = append(items, it)
	}
	d.Items = items

	if highest := d.maxItemID(); d.NextID <= highest {
		d.NextID = highest + 1
	}
}

func (d *Document) maxItemID() int {
	highest := 0
	for _, it := range d.Items {
		if it.ID > highest {
			highest = it.ID
		}
	}
	return highest
}

// Item returns the item with the given id, or nil.
func (d *Document) Item(id int) *Item {
	for _, it := range d.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// Receipt returns the receipt with the given group id, or nil.
func (d *Document) Receipt(groupID string) *Receipt {
	for _, r := range d.Receipts {
		if r.GroupID == groupID {
			return r
		}
	}
	return nil
}

// GroupItems returns every item belonging to groupID.
func (d *Document) GroupItems(groupID string) []*Item {
	var items []*Item
	for _, it := range d.Items {
		if it.GroupID == groupID {
			items = append(items, it)
		}
	}
	return items
}

// GroupIDs lists the group id of every receipt.
func (d *Document) GroupIDs() []string {
	ids := make([]string, 0, len(d.Receipts))
	for _, r := range d.Receipts {
		ids = append(ids, r.GroupID)
	}
	return ids
}

func (it *Item) namingFields() naming.ItemFields {
	return naming.ItemFields{
		Brand:    it.Brand,
		Model:    it.Model,
		Location: it.Location,
		Project:  it.Project,
		Users:    it.Users,
	}
}

func (r *Receipt) namingFields() naming.ReceiptFields {
	return naming.ReceiptFields{
		GroupID:       r.GroupID,
		Shop:          r.Shop,
		PurchaseDate:  r.PurchaseDate,
		Documentation: r.Documentation,
	}
}

// ItemUpdate is a partial edit; nil fields are left untouched.
type ItemUpdate struct {
	Brand             *string   `json:"brand"`
	Model             *string   `json:"model"`
	Location          *string   `json:"location"`
	Project           *string   `json:"project"`
	Users             *[]string `json:"users"`
	Shop              *string   `json:"shop"`
	PurchaseDate      *string   `json:"purchase_date"`
	Documentation     *string   `json:"documentation"`
	GuaranteeDuration *int      `json:"guarantee_duration" validate:"omitnil,gte=0"`
	GuaranteeUnit     *string   `json:"guarantee_unit" validate:"omitnil,oneof=days months years"`
}

// movesFile reports whether the update touches a field that names the file.
func (u ItemUpdate) movesFile() bool {
	return u.Brand != nil || u.Model != nil || u.Location != nil || u.Project != nil ||
		u.Users != nil || u.Shop != nil || u.PurchaseDate != nil || u.Documentation != nil
}

// apply copies the set fields onto the item and its receipt.
func (u ItemUpdate) apply(it *Item, r *Receipt) {
	setString(&it.Brand, u.Brand)
	setString(&it.Model, u.Model)
	setString(&it.Location, u.Location)
	setString(&it.Project, u.Project)
	if u.Users != nil {
		it.Users = append([]string{}, (*u.Users)...)
	}
	setString(&r.Shop, u.Shop)
	setString(&r.PurchaseDate, u.PurchaseDate)
	setString(&r.Documentation, u.Documentation)
	if u.GuaranteeDuration != nil {
		it.GuaranteeDuration = *u.GuaranteeDuration
	}
	setString(&it.GuaranteeUnit, u.GuaranteeUnit)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

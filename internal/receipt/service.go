package receipt

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zombor/receipt-manager/internal/naming"
	"github.com/zombor/receipt-manager/internal/scanning"
)

const (
	// MaxUploadSize is the largest accepted receipt file
	MaxUploadSize = 50 << 20

	// UploadDir holds freshly uploaded files, relative to the storage root
	UploadDir = "_Receipts/uploads"

	maxOCRItems   = 3
	maxOCRRawText = 500
)

var (
	validate = validator.New()

	extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)
)

// IDGenerator generates unique IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles receipt and item operations. Every operation runs inside
// one Store transaction.
type Service struct {
	store       *Store
	scanner     scanning.Scanner
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(store *Store, scanner scanning.Scanner, storage Storage) *Service {
	return NewServiceWithDeps(store, scanner, storage, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(store *Store, scanner scanning.Scanner, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	if scanner == nil {
		scanner = scanning.Disabled{}
	}
	return &Service{
		store:       store,
		scanner:     scanner,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// OCRData is what the upload took over from the scanner
type OCRData struct {
	Shop         string              `json:"shop"`
	PurchaseDate string              `json:"purchase_date"`
	TotalAmount  *float64            `json:"total_amount"`
	Items        []scanning.LineItem `json:"items"`
	RawText      string              `json:"raw_text"`
}

// UploadResult describes the records created for an uploaded file
type UploadResult struct {
	GroupID            string  `json:"receipt_group_id"`
	ItemID             int     `json:"item_id"`
	StoredFilename     string  `json:"receipt_filename"`
	StoredRelativePath string  `json:"receipt_relative_path"`
	OCR                OCRData `json:"ocr_data"`
}

// Upload stores a receipt file, scans it and creates a receipt with one item
func (s *Service) Upload(filename string, data []byte, contentType string) (*UploadResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}
	if len(data) > MaxUploadSize {
		return nil, fmt.Errorf("%w: file is %s, maximum is %s", ErrInvalidInput,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(MaxUploadSize))
	}

	now := s.timeSource.Now()
	ocr := s.extractDefaults(data, contentType, now)

	var result *UploadResult
	err := s.store.Update(func(tx *Tx) error {
		// The name is picked under the lock so concurrent uploads never share one
		savedName, rel := s.uploadPath(filename, now)
		if err := s.storage.Save(rel, data); err != nil {
			return fmt.Errorf("saving file: %w", err)
		}
		tx.OnRollback(func() {
			if err := s.storage.Delete(rel); err != nil {
				slog.Warn("Failed to remove orphaned upload", "path", rel, "error", err)
			}
		})
		slog.Info("Stored upload", "path", rel, "size", humanize.IBytes(uint64(len(data))))

		doc := tx.Doc
		groupID := naming.NextGroupID(doc.GroupIDs())
		doc.Receipts = append(doc.Receipts, &Receipt{
			GroupID:            groupID,
			Shop:               ocr.Shop,
			PurchaseDate:       ocr.PurchaseDate,
			Documentation:      naming.Placeholder,
			StoredFilename:     savedName,
			StoredRelativePath: rel,
		})

		itemID := doc.NextID
		doc.Items = append(doc.Items, newItem(itemID, groupID, rel))
		doc.NextID = itemID + 1

		result = &UploadResult{
			GroupID:            groupID,
			ItemID:             itemID,
			StoredFilename:     savedName,
			StoredRelativePath: rel,
			OCR:                ocr,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("saving records: %w", err)
	}
	return result, nil
}

// newItem returns an item with every descriptive field unset
func newItem(id int, groupID, rel string) *Item {
	return &Item{
		ID:                 id,
		GroupID:            groupID,
		Brand:              naming.Placeholder,
		Model:              naming.Placeholder,
		Location:           naming.Placeholder,
		Users:              []string{},
		Project:            naming.Placeholder,
		GuaranteeDuration:  0,
		GuaranteeUnit:      UnitDays,
		GuaranteeEndDate:   naming.Placeholder,
		StoredRelativePath: rel,
	}
}

// uploadPath picks a fresh timestamp-prefixed name under UploadDir
func (s *Service) uploadPath(filename string, now time.Time) (string, string) {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := strings.ToLower(path.Ext(base))
	if !extPattern.MatchString(ext) {
		ext = ".bin"
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	prefix := now.Format("20060102_150405") + "_" + naming.SanitizeSegment(stem, 80)

	name := prefix + ext
	for n := 2; s.storage.Exists(UploadDir + "/" + name); n++ {
		name = fmt.Sprintf("%s_%d%s", prefix, n, ext)
	}
	return name, UploadDir + "/" + name
}

// extractDefaults runs the scanner and falls back to defaults on any failure
func (s *Service) extractDefaults(data []byte, contentType string, now time.Time) OCRData {
	ocr := OCRData{
		Shop:         naming.Placeholder,
		PurchaseDate: now.Format(naming.DateLayout),
		Items:        []scanning.LineItem{},
	}

	res, err := s.safeScan(data, contentType)
	if err != nil {
		slog.Warn("Receipt scan failed, using defaults", "scanner", s.scanner.Name(), "error", err)
		return ocr
	}

	if res.Shop != "" {
		ocr.Shop = res.Shop
	}
	if res.PurchaseDate != "" {
		ocr.PurchaseDate = res.PurchaseDate
	}
	ocr.TotalAmount = res.TotalAmount
	if len(res.Items) > 0 {
		ocr.Items = res.Items[:min(len(res.Items), maxOCRItems)]
	}
	if raw := []rune(res.RawText); len(raw) > maxOCRRawText {
		ocr.RawText = string(raw[:maxOCRRawText])
	} else {
		ocr.RawText = res.RawText
	}
	return ocr
}

// safeScan shields callers from scanners that panic
func (s *Service) safeScan(data []byte, contentType string) (res *scanning.ReceiptData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: scanner panic: %v", ErrScan, r)
		}
	}()
	res, err = s.scanner.ScanReceipt(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScan, err)
	}
	if res == nil {
		return nil, fmt.Errorf("%w: scanner returned no data", ErrScan)
	}
	return res, nil
}

// Extract runs the scanner without creating any records
func (s *Service) Extract(data []byte, contentType string) (*scanning.ReceiptData, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no image data received", ErrInvalidInput)
	}
	return s.safeScan(data, contentType)
}

// ScannerStatus reports whether scanning is available and which engine runs it
func (s *Service) ScannerStatus() (bool, string) {
	name := s.scanner.Name()
	return name != (scanning.Disabled{}).Name(), name
}

// UpdateItem applies a partial edit to an item and its receipt, relocating
// the receipt file when its synthesized name changes
func (s *Service) UpdateItem(id int, upd ItemUpdate) (*Item, error) {
	if err := validate.Struct(upd); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, formatValidationError(err))
	}

	var updated Item
	err := s.store.Update(func(tx *Tx) error {
		item := tx.Doc.Item(id)
		if item == nil {
			return fmt.Errorf("item %d: %w", id, ErrNotFound)
		}
		rcpt := tx.Doc.Receipt(item.GroupID)
		if rcpt == nil {
			return fmt.Errorf("receipt %s: %w", item.GroupID, ErrNotFound)
		}
		if err := s.applyUpdate(tx, item, rcpt, upd); err != nil {
			return err
		}
		updated = *item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func formatValidationError(err error) string {
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		e := errs[0]
		return fmt.Sprintf("%s failed on '%s' (value: %v)", e.Field(), e.Tag(), e.Value())
	}
	return err.Error()
}

// AddItem adds a blank item to an existing receipt. When the receipt stops
// covering a single item its file moves to a name built from receipt fields.
func (s *Service) AddItem(groupID string) (*Item, error) {
	var added Item
	err := s.store.Update(func(tx *Tx) error {
		doc := tx.Doc
		rcpt := doc.Receipt(groupID)
		if rcpt == nil {
			return fmt.Errorf("receipt %s: %w", groupID, ErrNotFound)
		}
		group := doc.GroupItems(groupID)

		item := newItem(doc.NextID, groupID, rcpt.StoredRelativePath)
		doc.Items = append(doc.Items, item)
		doc.NextID++

		if len(group) == 1 {
			if err := s.relocateShared(tx, rcpt, append(group, item)); err != nil {
				return err
			}
		}
		added = *item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &added, nil
}

// DeleteItem removes an item. Removing the last item of a group also removes
// the receipt and its file.
func (s *Service) DeleteItem(id int) error {
	return s.store.Update(func(tx *Tx) error {
		doc := tx.Doc
		item := doc.Item(id)
		if item == nil {
			return fmt.Errorf("item %d: %w", id, ErrNotFound)
		}

		if len(doc.GroupItems(item.GroupID)) == 1 {
			if err := s.stageDeletion(tx, item.StoredRelativePath); err != nil {
				return err
			}
			receipts := doc.Receipts[:0]
			for _, r := range doc.Receipts {
				if r.GroupID != item.GroupID {
					receipts = append(receipts, r)
				}
			}
			doc.Receipts = receipts
		}

		items := doc.Items[:0]
		for _, it := range doc.Items {
			if it.ID != id {
				items = append(items, it)
			}
		}
		doc.Items = items
		return nil
	})
}

// stageDeletion hides the file under a temporary name; it is removed for
// good only once the document is saved
func (s *Service) stageDeletion(tx *Tx, rel string) error {
	if rel == "" || !s.storage.Exists(rel) {
		return nil
	}
	dir := path.Dir(rel)
	staged := path.Join(dir, ".deleting-"+s.idGenerator.Generate()+"-"+path.Base(rel))
	if err := s.storage.Move(rel, staged); err != nil {
		return fmt.Errorf("deleting %s: %w", rel, err)
	}

	tx.OnRollback(func() {
		if err := s.storage.Move(staged, rel); err != nil {
			slog.Error("Failed to restore file after aborted delete", "path", rel, "error", err)
		}
	})
	tx.OnCommit(func() {
		if err := s.storage.Delete(staged); err != nil {
			slog.Warn("Failed to delete file", "path", rel, "error", err)
		}
		s.storage.RemoveEmptyDir(dir)
	})
	return nil
}

// Data returns the document with freshly computed integrity issues
func (s *Service) Data() (*Document, error) {
	var out *Document
	err := s.store.View(func(doc *Document) error {
		doc.IntegrityIssues = Scan(doc, s.storage)
		out = doc
		return nil
	})
	return out, err
}

// Suggestions are the distinct values already in use, for autocompletion
type Suggestions struct {
	Shops         []string `json:"shops"`
	Brands        []string `json:"brands"`
	Models        []string `json:"models"`
	Locations     []string `json:"locations"`
	Documentation []string `json:"documentation"`
	Projects      []string `json:"projects"`
	Users         []string `json:"users"`
}

// Suggestions collects sorted distinct field values
func (s *Service) Suggestions() (*Suggestions, error) {
	var out Suggestions
	err := s.store.View(func(doc *Document) error {
		shops, docs := newValueSet(), newValueSet()
		for _, r := range doc.Receipts {
			shops.add(r.Shop)
			docs.add(r.Documentation)
		}
		brands, models, locations, projects, users := newValueSet(), newValueSet(), newValueSet(), newValueSet(), newValueSet()
		for _, it := range doc.Items {
			brands.add(it.Brand)
			models.add(it.Model)
			locations.add(it.Location)
			if it.Project != naming.Placeholder {
				projects.add(it.Project)
			}
			for _, u := range it.Users {
				users.add(u)
			}
		}
		out = Suggestions{
			Shops:         shops.sorted(),
			Brands:        brands.sorted(),
			Models:        models.sorted(),
			Locations:     locations.sorted(),
			Documentation: docs.sorted(),
			Projects:      projects.sorted(),
			Users:         users.sorted(),
		}
		return nil
	})
	return &out, err
}

type valueSet map[string]struct{}

func newValueSet() valueSet { return valueSet{} }

func (v valueSet) add(s string) {
	if s != "" {
		v[s] = struct{}{}
	}
}

func (v valueSet) sorted() []string {
	out := make([]string, 0, len(v))
	for s := range v {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ExportJSON serializes the document without integrity issues
func (s *Service) ExportJSON() ([]byte, error) {
	var out []byte
	err := s.store.View(func(doc *Document) error {
		doc.IntegrityIssues = nil
		var err error
		out, err = json.MarshalIndent(doc, "", "  ")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("exporting document: %w", err)
	}
	return out, nil
}

var csvHeader = []string{
	"Item ID", "Receipt Group ID", "Brand", "Model", "Location", "Users",
	"Project", "Shop", "Purchase Date", "Documentation", "Guarantee Duration",
	"Guarantee Unit", "Guarantee End Date", "Receipt Filename", "Receipt Path",
}

// ExportCSV writes one row per item with its receipt fields joined in
func (s *Service) ExportCSV(w io.Writer) error {
	return s.store.View(func(doc *Document) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}

		receipts := make(map[string]*Receipt, len(doc.Receipts))
		for _, r := range doc.Receipts {
			receipts[r.GroupID] = r
		}
		for _, it := range doc.Items {
			r := receipts[it.GroupID]
			if r == nil {
				r = &Receipt{}
			}
			row := []string{
				strconv.Itoa(it.ID), it.GroupID, it.Brand, it.Model, it.Location,
				strings.Join(it.Users, ";"), it.Project, r.Shop, r.PurchaseDate,
				r.Documentation, strconv.Itoa(it.GuaranteeDuration), it.GuaranteeUnit,
				it.GuaranteeEndDate, r.StoredFilename, it.StoredRelativePath,
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("writing csv row: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// Import replaces the whole document
func (s *Service) Import(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrInvalidInput, err)
	}
	if _, ok := raw["receipts"]; !ok {
		return fmt.Errorf("%w: missing receipts", ErrInvalidInput)
	}
	if _, ok := raw["items"]; !ok {
		return fmt.Errorf("%w: missing items", ErrInvalidInput)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: invalid document: %v", ErrInvalidInput, err)
	}
	if _, ok := raw["next_id"]; !ok {
		doc.NextID = 0
	}
	if err := s.validateImport(&doc); err != nil {
		return err
	}
	doc.normalize()
	doc.IntegrityIssues = nil

	return s.store.Update(func(tx *Tx) error {
		tx.Doc = &doc
		return nil
	})
}

func (s *Service) validateImport(doc *Document) error {
	groups := make(map[string]bool, len(doc.Receipts))
	for _, r := range doc.Receipts {
		if r == nil {
			return fmt.Errorf("%w: null receipt", ErrInvalidInput)
		}
		groups[r.GroupID] = true
		if err := s.checkStoredPath(r.StoredRelativePath); err != nil {
			return err
		}
	}
	for _, it := range doc.Items {
		if it == nil {
			return fmt.Errorf("%w: null item", ErrInvalidInput)
		}
		if !groups[it.GroupID] {
			return fmt.Errorf("%w: item %d references unknown receipt %q", ErrInvalidInput, it.ID, it.GroupID)
		}
		if err := s.checkStoredPath(it.StoredRelativePath); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkStoredPath(rel string) error {
	if rel == "" {
		return nil
	}
	if _, err := s.storage.Resolve(rel); err != nil {
		return fmt.Errorf("%w: stored path %q: %v", ErrInvalidInput, rel, err)
	}
	return nil
}

// OpenFile opens a stored file by its path relative to the storage root
func (s *Service) OpenFile(rel string) (*os.File, error) {
	var f *os.File
	err := s.store.View(func(*Document) error {
		var err error
		f, err = s.storage.Open(rel)
		return err
	})
	return f, err
}

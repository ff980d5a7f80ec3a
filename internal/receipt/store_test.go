package receipt

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Store", func() {
	var (
		tmpDir    string
		dataFile  string
		backupDir string
		clock     *mockTimeSource
		store     *Store
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dataFile = filepath.Join(tmpDir, "database", "data.json")
		backupDir = filepath.Join(tmpDir, "database", "backups")
		clock = &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}

		var err error
		store, err = NewStoreWithDeps(dataFile, backupDir, DefaultMaxBackups, clock)
		Expect(err).NotTo(HaveOccurred())
	})

	backups := func() []string {
		names, err := store.Backups()
		Expect(err).NotTo(HaveOccurred())
		return names
	}

	addItem := func(brand string) {
		Expect(store.Update(func(tx *Tx) error {
			tx.Doc.Items = append(tx.Doc.Items, &Item{ID: tx.Doc.NextID, GroupID: "RG-0001", Brand: brand, Users: []string{}})
			tx.Doc.NextID++
			return nil
		})).To(Succeed())
	}

	Describe("Load", func() {
		When("no data file exists", func() {
			It("returns an empty document", func() {
				doc := store.Load()
				Expect(doc.Receipts).To(BeEmpty())
				Expect(doc.Items).To(BeEmpty())
				Expect(doc.NextID).To(Equal(1))
			})
		})

		When("the data file is corrupt", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(dataFile, []byte("{not json"), 0644)).To(Succeed())
			})

			It("returns an empty document", func() {
				doc := store.Load()
				Expect(doc.Items).To(BeEmpty())
				Expect(doc.NextID).To(Equal(1))
			})
		})

		When("next_id lags behind the items", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(dataFile, []byte(`{"receipts":[],"items":[{"id":7,"receipt_group_id":"RG-0001"}],"next_id":2}`), 0644)).To(Succeed())
			})

			It("moves it past the highest item id", func() {
				doc := store.Load()
				Expect(doc.NextID).To(Equal(8))
				Expect(doc.Items[0].Users).To(BeEmpty())
				Expect(doc.Items[0].Users).NotTo(BeNil())
			})
		})

		When("the data file holds null entries", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(dataFile, []byte(`{"receipts":[null,{"receipt_group_id":"RG-0001"}],"items":[null,{"id":3,"receipt_group_id":"RG-0001"},null],"next_id":1}`), 0644)).To(Succeed())
			})

			It("drops them", func() {
				doc := store.Load()
				Expect(doc.Receipts).To(HaveLen(1))
				Expect(doc.Items).To(HaveLen(1))
				Expect(doc.Items[0].ID).To(Equal(3))
				Expect(doc.NextID).To(Equal(4))
			})
		})
	})

	Describe("Save", func() {
		It("does not back up the first write", func() {
			addItem("Bosch")
			Expect(dataFile).To(BeAnExistingFile())
			Expect(backups()).To(BeEmpty())
		})

		When("a document already exists", func() {
			BeforeEach(func() {
				addItem("Bosch")
			})

			It("does not back up an identical save", func() {
				Expect(store.Save(store.Load())).To(Succeed())
				Expect(backups()).To(BeEmpty())
			})

			It("does not back up when only integrity issues differ", func() {
				doc := store.Load()
				doc.IntegrityIssues = []Issue{{ItemID: 1, Type: IssueMissingFile, GroupID: "RG-0001", Path: "gone.pdf"}}
				Expect(store.Save(doc)).To(Succeed())
				Expect(backups()).To(BeEmpty())

				Expect(store.Load().IntegrityIssues).To(HaveLen(1))
			})

			It("backs up the previous content exactly once on a real change", func() {
				before, err := os.ReadFile(dataFile)
				Expect(err).NotTo(HaveOccurred())

				addItem("Makita")

				names := backups()
				Expect(names).To(HaveLen(1))
				Expect(names[0]).To(Equal("data_backup_20240115_100000.000000.json"))
				saved, err := os.ReadFile(filepath.Join(backupDir, names[0]))
				Expect(err).NotTo(HaveOccurred())
				Expect(saved).To(Equal(before))
			})

			It("keeps only the most recent backups", func() {
				for i := 0; i < 25; i++ {
					clock.now = clock.now.Add(time.Second)
					addItem("Brand")
				}

				names := backups()
				Expect(names).To(HaveLen(DefaultMaxBackups))
				Expect(names[len(names)-1]).To(Equal("data_backup_20240115_100025.000000.json"))
				Expect(names[0]).To(Equal("data_backup_20240115_100006.000000.json"))
			})

			It("gives rapid saves distinct backup names", func() {
				for i := 0; i < 25; i++ {
					addItem("Brand")
				}
				Expect(backups()).To(HaveLen(DefaultMaxBackups))
			})
		})

		It("never keeps fewer than the default number of backups", func() {
			small, err := NewStoreWithDeps(dataFile, backupDir, 3, clock)
			Expect(err).NotTo(HaveOccurred())
			Expect(small.maxBackups).To(Equal(DefaultMaxBackups))
		})

		It("orders legacy second-resolution backups by their timestamp", func() {
			Expect(os.WriteFile(filepath.Join(backupDir, "data_backup_20240115_095959.json"), []byte("{}"), 0644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(backupDir, "data_backup_20240115_100001.000000.json"), []byte("{}"), 0644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(backupDir, "notes.txt"), []byte("x"), 0644)).To(Succeed())

			Expect(backups()).To(Equal([]string{
				"data_backup_20240115_095959.json",
				"data_backup_20240115_100001.000000.json",
			}))
		})
	})

	Describe("Update", func() {
		BeforeEach(func() {
			addItem("Bosch")
		})

		When("the function fails", func() {
			var (
				fnErr      error
				rolledBack bool
				committed  bool
				err        error
			)

			BeforeEach(func() {
				fnErr = errors.New("boom")
				rolledBack, committed = false, false
			})

			JustBeforeEach(func() {
				err = store.Update(func(tx *Tx) error {
					tx.OnRollback(func() { rolledBack = true })
					tx.OnCommit(func() { committed = true })
					tx.Doc.Items[0].Brand = "Changed"
					return fnErr
				})
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(fnErr))
			})

			It("does not persist the mutation", func() {
				Expect(store.Load().Items[0].Brand).To(Equal("Bosch"))
			})

			It("runs rollbacks and skips commits", func() {
				Expect(rolledBack).To(BeTrue())
				Expect(committed).To(BeFalse())
			})
		})

		When("the save fails", func() {
			var (
				rolledBack bool
				err        error
			)

			BeforeEach(func() {
				// A plain file in place of the backup directory makes the backup fail
				Expect(os.RemoveAll(backupDir)).To(Succeed())
				Expect(os.WriteFile(backupDir, []byte("not a dir"), 0644)).To(Succeed())
			})

			JustBeforeEach(func() {
				err = store.Update(func(tx *Tx) error {
					tx.OnRollback(func() { rolledBack = true })
					tx.Doc.Items[0].Brand = "Changed"
					return nil
				})
			})

			It("reports a persistence failure", func() {
				Expect(err).To(MatchError(ErrPersistence))
			})

			It("runs rollbacks and leaves the live file untouched", func() {
				Expect(rolledBack).To(BeTrue())
				Expect(store.Load().Items[0].Brand).To(Equal("Bosch"))
			})
		})

		It("runs commit hooks after saving", func() {
			var brandAtCommit string
			Expect(store.Update(func(tx *Tx) error {
				tx.Doc.Items[0].Brand = "Makita"
				tx.OnCommit(func() { brandAtCommit = store.load().Items[0].Brand })
				return nil
			})).To(Succeed())
			Expect(brandAtCommit).To(Equal("Makita"))
		})
	})
})

package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var ghttpAny = regexp.MustCompile(`.*`)

var _ = Describe("Server", func() {
	var (
		service     *Service
		storage     *LocalStorage
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		tmpDir := GinkgoT().TempDir()
		timeSrc := &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
		store, err := NewStoreWithDeps(filepath.Join(tmpDir, "database", "data.json"), filepath.Join(tmpDir, "database", "backups"), DefaultMaxBackups, timeSrc)
		Expect(err).NotTo(HaveOccurred())
		storage, err = NewLocalStorage(filepath.Join(tmpDir, "storage"))
		Expect(err).NotTo(HaveOccurred())

		service = NewServiceWithDeps(store, newMockScanner(), storage, &mockIDGenerator{id: "test-id-123"}, timeSrc)
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.RouteToHandler(http.MethodGet, ghttpAny, server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodPost, ghttpAny, server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodPut, ghttpAny, server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodDelete, ghttpAny, server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodOptions, ghttpAny, server.ServeHTTP)
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response) map[string]any {
		defer resp.Body.Close()
		var out map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
		return out
	}

	multipartFile := func(name string, content []byte) (*bytes.Buffer, string) {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", name)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(content)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())
		return body, writer.FormDataContentType()
	}

	seed := func() {
		_, err := service.Upload("receipt.jpg", []byte("fake image data"), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
	}

	Describe("middleware", func() {
		It("answers preflight requests with CORS headers", func() {
			resp := do(http.MethodOptions, "/api/item/1", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})

		It("tags responses with a request id", func() {
			resp := do(http.MethodGet, "/api/data", nil, "")
			defer resp.Body.Close()
			Expect(resp.Header.Get("X-Request-ID")).NotTo(BeEmpty())
		})

		When("basic auth is configured", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "admin", Password: "secret"}
			})

			It("rejects requests without credentials", func() {
				resp := do(http.MethodGet, "/api/data", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
				Expect(decode(resp)["success"]).To(BeFalse())
			})

			It("accepts valid credentials", func() {
				req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/data", nil)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})
	})

	Describe("GET /api/data", func() {
		BeforeEach(seed)

		It("returns the document", func() {
			resp := do(http.MethodGet, "/api/data", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			body := decode(resp)
			Expect(body["receipts"]).To(HaveLen(1))
			Expect(body["items"]).To(HaveLen(1))
			Expect(body["next_id"]).To(BeEquivalentTo(2))
		})
	})

	Describe("POST /api/upload", func() {
		It("creates a receipt and reports what was stored", func() {
			body, ctype := multipartFile("receipt.jpg", []byte("fake image data"))
			resp := do(http.MethodPost, "/api/upload", body, ctype)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			out := decode(resp)
			Expect(out["success"]).To(BeTrue())
			Expect(out["receipt_group_id"]).To(Equal("RG-0001"))
			Expect(out["item_id"]).To(BeEquivalentTo(1))
			Expect(out["receipt_relative_path"]).To(Equal("_Receipts/uploads/20240115_100000_receipt.jpg"))
			Expect(out["ocr_data"]).To(HaveKeyWithValue("shop", "IKEA"))
		})

		It("rejects requests without a file", func() {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			Expect(writer.WriteField("note", "no file here")).To(Succeed())
			Expect(writer.Close()).To(Succeed())

			resp := do(http.MethodPost, "/api/upload", body, writer.FormDataContentType())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decode(resp)["success"]).To(BeFalse())
		})

		It("rejects empty files", func() {
			body, ctype := multipartFile("empty.jpg", nil)
			resp := do(http.MethodPost, "/api/upload", body, ctype)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("PUT /api/item/{id}", func() {
		BeforeEach(seed)

		It("updates the item", func() {
			resp := do(http.MethodPut, "/api/item/1", strings.NewReader(`{"brand": "Bosch"}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			out := decode(resp)
			Expect(out["success"]).To(BeTrue())
			Expect(out["item"]).To(HaveKeyWithValue("brand", "Bosch"))
		})

		It("rejects non-numeric ids", func() {
			resp := do(http.MethodPut, "/api/item/abc", strings.NewReader(`{}`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for unknown items", func() {
			resp := do(http.MethodPut, "/api/item/99", strings.NewReader(`{"brand": "Bosch"}`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("rejects invalid bodies", func() {
			resp := do(http.MethodPut, "/api/item/1", strings.NewReader(`{"guarantee_unit": "fortnights"}`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 409 when the new name is taken", func() {
			Expect(storage.Save("Bosch/Bosch-NA-2024Jan10-IKEA-NA-NoUser-NA.jpg", []byte("x"))).To(Succeed())
			resp := do(http.MethodPut, "/api/item/1", strings.NewReader(`{"brand": "Bosch"}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(decode(resp)["error"]).To(ContainSubstring("Bosch-NA-2024Jan10-IKEA-NA-NoUser-NA.jpg"))
		})
	})

	Describe("POST /api/receipt/{group}/items", func() {
		BeforeEach(seed)

		It("adds an item to the receipt", func() {
			resp := do(http.MethodPost, "/api/receipt/RG-0001/items", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)["item"]).To(HaveKeyWithValue("id", BeEquivalentTo(2)))
		})

		It("returns 404 for unknown receipts", func() {
			resp := do(http.MethodPost, "/api/receipt/RG-0042/items", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("DELETE /api/item/{id}", func() {
		BeforeEach(seed)

		It("deletes the item", func() {
			resp := do(http.MethodDelete, "/api/item/1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)["success"]).To(BeTrue())
			Expect(storage.Exists("_Receipts/uploads/20240115_100000_receipt.jpg")).To(BeFalse())
		})

		It("returns 404 for unknown items", func() {
			resp := do(http.MethodDelete, "/api/item/7", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/file", func() {
		BeforeEach(func() {
			Expect(storage.Save("Docs/manual.pdf", []byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n"))).To(Succeed())
		})

		It("serves the file inline with a sniffed content type", func() {
			resp := do(http.MethodGet, "/api/file?path="+url.QueryEscape("Docs/manual.pdf"), nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			Expect(resp.Header.Get("Content-Disposition")).To(Equal(`inline; filename="manual.pdf"`))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(HavePrefix("%PDF-1.4"))
		})

		It("requires a path", func() {
			resp := do(http.MethodGet, "/api/file", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects traversal", func() {
			resp := do(http.MethodGet, "/api/file?path="+url.QueryEscape("../../etc/passwd"), nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("returns 404 for missing files", func() {
			resp := do(http.MethodGet, "/api/file?path="+url.QueryEscape("Docs/missing.pdf"), nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/integrity/check", func() {
		BeforeEach(seed)

		It("returns the issues", func() {
			Expect(storage.Delete("_Receipts/uploads/20240115_100000_receipt.jpg")).To(Succeed())
			resp := do(http.MethodPost, "/api/integrity/check", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			out := decode(resp)
			Expect(out["success"]).To(BeTrue())
			Expect(out["issues"]).To(ConsistOf(SatisfyAll(
				HaveKeyWithValue("id", BeEquivalentTo(1)),
				HaveKeyWithValue("type", "item"),
				HaveKeyWithValue("receipt_group_id", "RG-0001"),
			)))
		})
	})

	Describe("export and import", func() {
		BeforeEach(seed)

		It("exports csv", func() {
			resp := do(http.MethodGet, "/api/export/csv", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/csv"))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(HavePrefix("Item ID,Receipt Group ID,Brand"))
		})

		It("exports json as an attachment", func() {
			resp := do(http.MethodGet, "/api/export/json", nil, "")
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("attachment"))
		})

		It("round-trips an export through import", func() {
			resp := do(http.MethodGet, "/api/export/json", nil, "")
			exported, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			Expect(err).NotTo(HaveOccurred())

			body, ctype := multipartFile("backup.json", exported)
			resp = do(http.MethodPost, "/api/import/json", body, ctype)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)["success"]).To(BeTrue())
		})

		It("rejects documents without items", func() {
			resp := do(http.MethodPost, "/api/import/json", strings.NewReader(`{"receipts": []}`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("scanner endpoints", func() {
		It("reports the scanner status", func() {
			resp := do(http.MethodGet, "/api/ocr/status", nil, "")
			out := decode(resp)
			Expect(out["available"]).To(BeTrue())
			Expect(out["engine"]).To(Equal("mock"))
		})

		It("scans without creating records", func() {
			body, ctype := multipartFile("receipt.png", []byte("image bytes"))
			resp := do(http.MethodPost, "/api/ocr/process", body, ctype)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)["data"]).To(HaveKeyWithValue("shop", "IKEA"))

			doc, err := service.Data()
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Receipts).To(BeEmpty())
		})
	})
})

package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

func tinyPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Ollama", func() {
	var (
		server  *ghttp.Server
		scanner *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		scanner, err = NewOllama(server.URL(), "llava")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	When("the model answers with receipt JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Done: true,
					Message: ollamaMessage{
						Role:    "assistant",
						Content: `{"shop": "Gamma", "purchase_date": "2024-03-20", "total_amount": 42.5}`,
					},
				}),
			))
		})

		It("parses the reply", func() {
			data, err := scanner.ScanReceipt(tinyPNG(), "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(data.Shop).To(Equal("Gamma"))
			Expect(data.PurchaseDate).To(Equal("2024-Mar-20"))
			Expect(*data.TotalAmount).To(Equal(42.5))
		})
	})

	When("the model cannot read the date", func() {
		BeforeEach(func() {
			scanner.now = func() time.Time { return scannedAt }
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Done:    true,
				Message: ollamaMessage{Role: "assistant", Content: `{"shop": "Gamma", "purchase_date": "smudged"}`},
			}))
		})

		It("uses the scan date", func() {
			data, err := scanner.ScanReceipt(tinyPNG(), "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(data.PurchaseDate).To(Equal("2024-Feb-29"))
		})
	})

	When("the server fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns the error", func() {
			_, err := scanner.ScanReceipt(tinyPNG(), "image/png")
			Expect(err).To(MatchError(ContainSubstring("status 500")))
		})
	})

	It("names the model", func() {
		Expect(scanner.Name()).To(Equal("ollama/llava"))
	})
})

var _ = Describe("prepareImageData", func() {
	It("passes PNG data through", func() {
		data := tinyPNG()
		out, converted, err := prepareImageData(data, "application/octet-stream")
		Expect(err).NotTo(HaveOccurred())
		Expect(converted).To(BeFalse())
		Expect(out).To(Equal(data))
	})

	It("rejects data that is not an image", func() {
		_, _, err := prepareImageData([]byte("plain text, not a receipt"), "text/plain")
		Expect(err).To(HaveOccurred())
	})

	It("sniffs PDFs regardless of the declared type", func() {
		Expect(detectMIME([]byte("%PDF-1.4\n%âãÏÓ\n"), "image/jpeg")).To(Equal("application/pdf"))
	})
})

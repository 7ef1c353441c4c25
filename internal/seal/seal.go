// Package seal hashes documents in the blob store and stamps the attestation
// mark onto the last page of a PDF.
package seal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/png" // decode QR marks
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/blob"
	"github.com/and161185/doc-attest/internal/crypto"
)

// Label is the watermark text placed above the QR mark.
const Label = "Digitally Attested"

// markPoints is the printed edge length of the QR mark.
const markPoints = 100.0

func init() {
	// pdfcpu otherwise creates a config directory under the user's home.
	api.DisableConfigDir()
}

// Sealer reads originals from and writes sealed documents to a blob store.
type Sealer struct {
	blobs  blob.Store
	log    *zap.Logger
	tmpDir string
}

// New constructs a Sealer. Scratch files go to the OS temp directory.
func New(blobs blob.Store, log *zap.Logger) *Sealer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sealer{blobs: blobs, log: log}
}

// StampedPath is the blob path of the sealed copy of original.
func StampedPath(original string) string {
	return strings.TrimSuffix(original, ".pdf") + "_stamped.pdf"
}

// ReissuePath is the blob path of a sealed copy that replaces current. It never
// equals current, so the live copy stays intact until the replacement commits.
func ReissuePath(original, current string, seq int64) string {
	p := strings.TrimSuffix(original, ".pdf") + "_stamped_" + strconv.FormatInt(seq, 10) + ".pdf"
	if p == current {
		p = strings.TrimSuffix(original, ".pdf") + "_stamped_" + strconv.FormatInt(seq+1, 10) + ".pdf"
	}
	return p
}

// Remove deletes a sealed copy.
func (s *Sealer) Remove(ctx context.Context, path string) error {
	if err := s.blobs.Delete(ctx, path); err != nil {
		return fmt.Errorf("seal: remove %s: %w", path, err)
	}
	return nil
}

// ComputeHash streams the object at path through SHA-256.
func (s *Sealer) ComputeHash(ctx context.Context, path string) (string, error) {
	r, err := s.blobs.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return crypto.HashReader(r)
}

func conf() *model.Configuration {
	c := model.NewDefaultConfiguration()
	c.ValidationMode = model.ValidationRelaxed
	return c
}

// Stamp copies originalPath to outputPath with qrPNG and the label added on top
// of the last page, and returns the hex SHA-256 of the stamped output.
// Existing page content is left as is; the mark is an extra content layer.
func (s *Sealer) Stamp(ctx context.Context, originalPath string, qrPNG []byte, outputPath string) (string, error) {
	cfgImg, _, err := image.DecodeConfig(bytes.NewReader(qrPNG))
	if err != nil {
		return "", fmt.Errorf("seal: qr image: %w", err)
	}

	dir, err := os.MkdirTemp(s.tmpDir, "seal-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "original.pdf")
	if err := blob.Download(ctx, s.blobs, originalPath, in); err != nil {
		return "", err
	}
	qrFile := filepath.Join(dir, "mark.png")
	if err := os.WriteFile(qrFile, qrPNG, 0o600); err != nil {
		return "", err
	}

	pages, err := api.PageCountFile(in)
	if err != nil {
		return "", fmt.Errorf("seal: read %s: %w", originalPath, err)
	}
	last := []string{strconv.Itoa(pages)}

	marked := filepath.Join(dir, "marked.pdf")
	imgDesc := fmt.Sprintf("position:br, offset:-20 20, scalefactor:%.4f abs, rotation:0", markPoints/float64(cfgImg.Width))
	if err := api.AddImageWatermarksFile(in, marked, last, true, qrFile, imgDesc, conf()); err != nil {
		return "", fmt.Errorf("seal: stamp qr: %w", err)
	}
	out := filepath.Join(dir, "sealed.pdf")
	txtDesc := "fontname:Helvetica, points:12, position:br, offset:-20 126, scalefactor:1 abs, rotation:0, fillcolor:#808080"
	if err := api.AddTextWatermarksFile(marked, out, last, true, Label, txtDesc, conf()); err != nil {
		return "", fmt.Errorf("seal: stamp label: %w", err)
	}

	hash, err := s.upload(ctx, out, outputPath)
	if err != nil {
		return "", err
	}
	s.log.Info("document sealed",
		zap.String("original", originalPath),
		zap.String("sealed", outputPath),
		zap.Int("pages", pages))
	return hash, nil
}

func (s *Sealer) upload(ctx context.Context, local, dst string) (string, error) {
	f, err := os.Open(local)
	if err != nil {
		return "", err
	}
	defer f.Close()
	w, err := s.blobs.Create(ctx, dst)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("seal: upload %s: %w", dst, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("seal: publish %s: %w", dst, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Package artifact prepares upload artifacts: it sniffs content types,
// converts DICOM studies to PNG and downscales oversized images before they
// are sent to the analysis backend.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/image/draw"

	"github.com/medinsight-report-assembler/internal/domain"
)

const (
	MIMEDicom = "application/dicom"
	MIMEPDF   = "application/pdf"
	MIMEPNG   = "image/png"
)

var (
	ErrEmptyArtifact = errors.New("artifact is empty")
	ErrNoPixelData   = errors.New("DICOM file has no pixel data")
)

// imageTypes mirrors the upload form's image picker
var imageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/bmp", "image/tiff", MIMEDicom}

// Preparer turns files into upload artifacts
type Preparer struct {
	maxEdge int
	logger  *logrus.Logger
}

// NewPreparer creates a preparer. A zero MaxImageEdge keeps images at
// their original size.
func NewPreparer(config domain.ArtifactConfig, logger *logrus.Logger) *Preparer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Preparer{maxEdge: config.MaxImageEdge, logger: logger}
}

// LoadFile reads path into an artifact with a sniffed content type
func LoadFile(path string) (*domain.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return FromBytes(filepath.Base(path), data)
}

// FromBytes wraps data in an artifact with a sniffed content type
func FromBytes(name string, data []byte) (*domain.Artifact, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyArtifact)
	}
	return &domain.Artifact{
		FileName:    name,
		ContentType: mimetype.Detect(data).String(),
		Data:        data,
	}, nil
}

// AcceptsImage reports whether the content type is one the image picker
// offers. It is advisory; the backend is authoritative.
func AcceptsImage(contentType string) bool {
	for _, t := range imageTypes {
		if mimetype.EqualsAny(contentType, t) {
			return true
		}
	}
	return false
}

// AcceptsDocument reports whether the content type is a PDF
func AcceptsDocument(contentType string) bool {
	return mimetype.EqualsAny(contentType, MIMEPDF)
}

// PrepareImage converts DICOM to PNG and downscales images whose longest
// edge exceeds the configured maximum. Formats it cannot decode are passed
// through unchanged.
func (p *Preparer) PrepareImage(a *domain.Artifact) (*domain.Artifact, error) {
	if a.IsEmpty() {
		return nil, ErrEmptyArtifact
	}
	mime := mimetype.Detect(a.Data)

	entry := p.logger.WithFields(logrus.Fields{
		"file_name":    a.FileName,
		"content_type": mime.String(),
		"size_bytes":   len(a.Data),
	})
	if !AcceptsImage(mime.String()) {
		entry.Warn("Image artifact has an unexpected content type")
	}

	var img image.Image
	var err error
	converted := false

	if mime.Is(MIMEDicom) {
		img, err = decodeDicom(a.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", a.FileName, err)
		}
		converted = true
	} else {
		img, _, err = image.Decode(bytes.NewReader(a.Data))
		if err != nil {
			entry.WithError(err).Debug("Image not decodable, sending as is")
			return &domain.Artifact{FileName: a.FileName, ContentType: mime.String(), Data: a.Data}, nil
		}
	}

	scaled := p.downscale(img)
	if !converted && scaled == img {
		return &domain.Artifact{FileName: a.FileName, ContentType: mime.String(), Data: a.Data}, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", a.FileName, err)
	}

	b := scaled.Bounds()
	entry.WithFields(logrus.Fields{
		"width":  b.Dx(),
		"height": b.Dy(),
		"dicom":  converted,
	}).Info("Prepared image artifact")

	return &domain.Artifact{
		FileName:    pngName(a.FileName),
		ContentType: MIMEPNG,
		Data:        buf.Bytes(),
	}, nil
}

// PrepareDocument validates the clinical document artifact
func (p *Preparer) PrepareDocument(a *domain.Artifact) (*domain.Artifact, error) {
	if a.IsEmpty() {
		return nil, ErrEmptyArtifact
	}
	mime := mimetype.Detect(a.Data).String()
	if !AcceptsDocument(mime) {
		p.logger.WithFields(logrus.Fields{
			"file_name":    a.FileName,
			"content_type": mime,
		}).Warn("Document artifact is not a PDF")
	}
	return &domain.Artifact{FileName: a.FileName, ContentType: mime, Data: a.Data}, nil
}

func (p *Preparer) downscale(img image.Image) image.Image {
	b := img.Bounds()
	longest := b.Dx()
	if b.Dy() > longest {
		longest = b.Dy()
	}
	if p.maxEdge <= 0 || longest <= p.maxEdge {
		return img
	}

	ratio := float64(p.maxEdge) / float64(longest)
	w := max(1, int(float64(b.Dx())*ratio))
	h := max(1, int(float64(b.Dy())*ratio))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// decodeDicom renders the first frame of a DICOM file
func decodeDicom(data []byte) (image.Image, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("parse DICOM: %w", err)
	}

	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, ErrNoPixelData
	}
	info := dicom.MustGetPixelDataInfo(elem.Value)
	if len(info.Frames) == 0 {
		return nil, ErrNoPixelData
	}

	img, err := info.Frames[0].GetImage()
	if err != nil {
		return nil, fmt.Errorf("decode DICOM frame: %w", err)
	}
	return normalize(img), nil
}

// normalize stretches 16-bit grayscale to the full range so low-intensity
// scans are visible after conversion to 8-bit PNG.
func normalize(img image.Image) image.Image {
	gray, ok := img.(*image.Gray16)
	if !ok {
		return img
	}

	lo, hi := uint16(0xffff), uint16(0)
	for i := 0; i+1 < len(gray.Pix); i += 2 {
		v := uint16(gray.Pix[i])<<8 | uint16(gray.Pix[i+1])
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi <= lo {
		return img
	}

	b := gray.Bounds()
	out := image.NewGray(b)
	span := float64(hi - lo)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := gray.Gray16At(x, y).Y
			out.Pix[out.PixOffset(x, y)] = uint8(float64(v-lo) / span * 255)
		}
	}
	return out
}

func pngName(name string) string {
	ext := filepath.Ext(name)
	if strings.EqualFold(ext, ".png") {
		return name
	}
	return strings.TrimSuffix(name, ext) + ".png"
}

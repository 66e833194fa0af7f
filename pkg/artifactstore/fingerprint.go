package artifactstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/letuhao/imagevault/pkg/model"
)

// VariantParams are the exact inputs spec §4.5 step 1 says the fingerprint
// is a deterministic function of: (imageId, variantKind, width, height,
// quality, format).
type VariantParams struct {
	ImageID model.ID
	Kind    model.VariantKind
	Width   int
	Height  int
	Quality int
	Format  string
}

// Fingerprint computes the content-addressed identifier for an artifact.
// The serialization order is fixed and documented here so independent
// reimplementations match bit-for-bit (spec §4.5 step 1): the ASCII string
//
//	imageID | "/" | variantKind | "/" | width | "x" | height | "/" | quality | "/" | format
//
// is SHA-256 hashed and hex-encoded. This mirrors how perkeep derives a
// blob.Ref from a blob's exact bytes (pkg/blob): a fixed, explicit
// serialization feeding a cryptographic hash, rather than a struct literal
// hashed via reflection (which is not stable across Go versions/builds).
func Fingerprint(p VariantParams) string {
	serialized := fmt.Sprintf("%s/%s/%dx%d/%d/%s", p.ImageID.String(), p.Kind, p.Width, p.Height, p.Quality, p.Format)
	sum := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(sum[:])
}

// Extension returns the file extension (without dot) used for an artifact
// encoded in format.
func Extension(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "jpg"
	default:
		return format
	}
}

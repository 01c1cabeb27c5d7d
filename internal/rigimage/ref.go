// Package rigimage validates the configured rig image reference before any
// rig is provisioned with it. Validation is pure parsing; nothing here
// touches the network.
package rigimage

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

type Ref struct {
	Original   string
	Repository string
	Tag        string
}

// Parse validates a registry/repo:tag reference for the rig image.
func Parse(raw string) (Ref, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return Ref{}, fmt.Errorf("rig image reference is empty (set rig.image_registry)")
	}

	tagged, err := name.NewTag(ref, name.WithDefaultTag("latest"))
	if err != nil {
		return Ref{}, fmt.Errorf("invalid rig image reference %q: %w", ref, err)
	}

	return Ref{
		Original:   ref,
		Repository: tagged.Repository.Name(),
		Tag:        tagged.TagStr(),
	}, nil
}

// Package namespace maps organization and dataset ids onto physical
// locations. The mapping is a pure function of the ids; only registering a
// namespace needs the catalog.
package namespace

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/EPajares/goat-sub003/internal/objstore"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/rs/zerolog/log"
)

// SchemaPrefix starts every organization namespace.
const SchemaPrefix = "user_data_"

// SchemaName returns the namespace of an organization: SchemaPrefix followed
// by the lower-cased alphanumerics of the id.
func SchemaName(organizationID string) string {
	return SchemaPrefix + strip(organizationID)
}

// TableLocation returns the location of a dataset below its namespace.
// Distinct dataset ids always get distinct locations.
func TableLocation(organizationID, datasetID string) string {
	return SchemaName(organizationID) + "/t_" + EscapeID(datasetID)
}

// EscapeID keeps lower-case letters and digits and writes every other byte
// as '_' followed by two hex digits. The result is reversible, so it never
// maps two ids onto the same key segment.
func EscapeID(id string) string {
	const hexDigits = "0123456789abcdef"

	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('_')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

// DataPrefix is where the data files of a dataset live.
func DataPrefix(location string) string {
	return location + "/data/"
}

// MetadataPrefix is where the snapshot manifests of a dataset live.
func MetadataPrefix(location string) string {
	return location + "/metadata/"
}

func strip(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Manager registers namespaces in the catalog and the object store.
type Manager struct {
	catalog store.CatalogStore
	bucket  objstore.Bucket

	mu      sync.Mutex
	ensured map[string]struct{}
}

// NewManager creates a namespace manager.
func NewManager(catalog store.CatalogStore, bucket objstore.Bucket) *Manager {
	return &Manager{
		catalog: catalog,
		bucket:  bucket,
		ensured: make(map[string]struct{}),
	}
}

// EnsureNamespaceExists registers the namespace of organizationID and
// prepares its prefix. Organizations already ensured by this manager are
// skipped.
func (m *Manager) EnsureNamespaceExists(ctx context.Context, organizationID string) (string, error) {
	name := SchemaName(organizationID)
	if name == SchemaPrefix {
		return "", fmt.Errorf("organization id %q has no alphanumeric characters", organizationID)
	}

	m.mu.Lock()
	_, done := m.ensured[organizationID]
	m.mu.Unlock()
	if done {
		return name, nil
	}

	if err := m.catalog.EnsureNamespace(ctx, organizationID, name); err != nil {
		return "", fmt.Errorf("failed to register namespace %s: %w", name, err)
	}
	if err := m.bucket.EnsurePrefix(ctx, name+"/"); err != nil {
		return "", fmt.Errorf("failed to create namespace prefix %s: %w", name, err)
	}

	m.mu.Lock()
	m.ensured[organizationID] = struct{}{}
	m.mu.Unlock()

	log.Debug().Str("organization_id", organizationID).Str("schema", name).Msg("Namespace ensured")
	return name, nil
}

// Package tenant holds the per-tenant routing table (document roots,
// index names, glossaries) and the per-conversation state store. The
// table is built once at boot and immutable afterwards.
package tenant

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/brunobiangulo/corpusrag/internal/glossary"
	"github.com/brunobiangulo/corpusrag/internal/model"
)

// HeaderTenantID is the request header naming the tenant a call runs
// under.
const HeaderTenantID = "X-Tenant-ID"

// configWire is the on-disk tenant document format.
type configWire struct {
	Name                  string            `json:"name"`
	ShortName             string            `json:"short_name"`
	DocumentRoot          string            `json:"document_root"`
	ESIndex               string            `json:"es_index"`
	ChromaPrefix          string            `json:"chroma_prefix"`
	SystemPromptExtra     string            `json:"system_prompt_extra"`
	Glossary              map[string]string `json:"glossary"`
	TranscriptCorrections map[string]string `json:"transcript_corrections"`
	ExtFilter             []string          `json:"ext_filter"`
}

// Table is the immutable tenant registry plus the active default.
type Table struct {
	tenants   map[string]model.Tenant
	rewriters map[string]*glossary.Rewriter
	active    string
}

// Load reads a tenant table from a JSON file holding an array of tenant
// documents. activeEnv names the boot-time active tenant; when empty or
// unknown, the first tenant by sorted short_name is active.
func Load(path, activeEnv string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenant: reading config %s: %w", path, err)
	}
	var wires []configWire
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("tenant: parsing config %s: %w", path, err)
	}
	return FromConfigs(wiresToTenants(wires), activeEnv)
}

func wiresToTenants(wires []configWire) []model.Tenant {
	out := make([]model.Tenant, 0, len(wires))
	for _, w := range wires {
		exts := make([]string, 0, len(w.ExtFilter))
		for _, e := range w.ExtFilter {
			exts = append(exts, strings.TrimPrefix(strings.ToLower(e), "."))
		}
		out = append(out, model.Tenant{
			ShortName:              w.ShortName,
			DisplayName:            w.Name,
			DocumentRoot:           w.DocumentRoot,
			LexicalIndexName:       w.ESIndex,
			VectorCollectionPrefix: w.ChromaPrefix,
			Glossary:               w.Glossary,
			TranscriptCorrections:  w.TranscriptCorrections,
			ExtFilter:              exts,
			SystemPromptExtra:      w.SystemPromptExtra,
		})
	}
	return out
}

// FromConfigs validates tenants and builds the table. Validation
// failures are fatal: the process must not start on a broken tenant
// table.
func FromConfigs(tenants []model.Tenant, activeEnv string) (*Table, error) {
	if len(tenants) == 0 {
		return nil, fmt.Errorf("tenant: no tenants configured")
	}

	t := &Table{
		tenants:   make(map[string]model.Tenant, len(tenants)),
		rewriters: make(map[string]*glossary.Rewriter, len(tenants)),
	}
	var names []string
	for _, tn := range tenants {
		switch {
		case tn.ShortName == "":
			return nil, fmt.Errorf("tenant: %q has no short_name", tn.DisplayName)
		case tn.DisplayName == "":
			return nil, fmt.Errorf("tenant %s: missing name", tn.ShortName)
		case tn.DocumentRoot == "":
			return nil, fmt.Errorf("tenant %s: missing document_root", tn.ShortName)
		case tn.LexicalIndexName == "":
			return nil, fmt.Errorf("tenant %s: missing es_index", tn.ShortName)
		case tn.VectorCollectionPrefix == "":
			return nil, fmt.Errorf("tenant %s: missing chroma_prefix", tn.ShortName)
		}
		if _, dup := t.tenants[tn.ShortName]; dup {
			return nil, fmt.Errorf("tenant: duplicate short_name %s", tn.ShortName)
		}
		t.tenants[tn.ShortName] = tn
		t.rewriters[tn.ShortName] = glossary.New(tn.Glossary)
		names = append(names, tn.ShortName)
	}
	sort.Strings(names)

	t.active = names[0]
	if activeEnv != "" {
		if _, ok := t.tenants[activeEnv]; ok {
			t.active = activeEnv
		}
	}
	return t, nil
}

// Get returns the tenant for a short name.
func (t *Table) Get(shortName string) (model.Tenant, bool) {
	tn, ok := t.tenants[shortName]
	return tn, ok
}

// Active returns the process-wide active tenant.
func (t *Table) Active() model.Tenant {
	return t.tenants[t.active]
}

// Rewriter returns the glossary rewriter prepared for a tenant; the
// active tenant's rewriter when shortName is unknown.
func (t *Table) Rewriter(shortName string) *glossary.Rewriter {
	if r, ok := t.rewriters[shortName]; ok {
		return r
	}
	return t.rewriters[t.active]
}

// ShortNames returns every configured tenant name, sorted.
func (t *Table) ShortNames() []string {
	names := make([]string, 0, len(t.tenants))
	for n := range t.tenants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the tenant for a request: the X-Tenant-ID header when
// present and known, else the active tenant. An unknown header value is
// an error rather than a silent fallback, since serving tenant A's
// question against tenant B's corpus breaks isolation.
func (t *Table) Resolve(r *http.Request) (model.Tenant, error) {
	if r != nil {
		if short := strings.TrimSpace(r.Header.Get(HeaderTenantID)); short != "" {
			tn, ok := t.tenants[short]
			if !ok {
				return model.Tenant{}, fmt.Errorf("tenant: unknown tenant %q", short)
			}
			return tn, nil
		}
	}
	return t.Active(), nil
}

// FallbackFromEnv builds a single-tenant table from environment
// variables, used when no tenant config file is given.
func FallbackFromEnv() (*Table, error) {
	root := os.Getenv("FILE_BASE")
	if root == "" {
		root = "."
	}
	return FromConfigs([]model.Tenant{{
		ShortName:              "default",
		DisplayName:            "Default",
		DocumentRoot:           root,
		LexicalIndexName:       envOr("RAG_ES_INDEX", "corpusrag"),
		VectorCollectionPrefix: envOr("RAG_CHROMA_PREFIX", "corpusrag"),
	}}, "default")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

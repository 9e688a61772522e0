// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/warp/payables-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an engine.TxStore backed by maps. WithTx snapshots the state
// and restores it when fn fails.
type Memory struct {
	mu sync.RWMutex
	st *memoryState
}

type memoryState struct {
	templates   map[engine.TemplateID]engine.DistributionTemplate
	details     map[engine.TemplateID][]engine.DistributionDetail
	definitions map[engine.DefinitionID]engine.RecurringInvoiceDefinition
	invoices    map[engine.DefinitionID][]engine.InvoiceRecord
	accounts    map[glKey]engine.GLAccount
	centers     map[glKey]engine.ProfitCenter
}

type glKey struct {
	org engine.OrganizationID
	id  string
}

var _ engine.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{
		templates:   make(map[engine.TemplateID]engine.DistributionTemplate),
		details:     make(map[engine.TemplateID][]engine.DistributionDetail),
		definitions: make(map[engine.DefinitionID]engine.RecurringInvoiceDefinition),
		invoices:    make(map[engine.DefinitionID][]engine.InvoiceRecord),
		accounts:    make(map[glKey]engine.GLAccount),
		centers:     make(map[glKey]engine.ProfitCenter),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&memoryView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.templates {
		c.templates[k] = v
	}
	for k, v := range s.details {
		c.details[k] = append([]engine.DistributionDetail(nil), v...)
	}
	for k, v := range s.definitions {
		c.definitions[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = append([]engine.InvoiceRecord(nil), v...)
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.centers {
		c.centers[k] = v
	}
	return c
}

// read runs fn against the live state under the read lock.
func (m *Memory) read(fn func(v *memoryView) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryView{st: m.st})
}

// write runs a single write as its own transaction.
func (m *Memory) write(ctx context.Context, fn func(v engine.Store) error) error {
	return m.WithTx(ctx, fn)
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) GetTemplate(ctx context.Context, id engine.TemplateID) (t engine.DistributionTemplate, err error) {
	err = m.read(func(v *memoryView) error {
		t, err = v.GetTemplate(ctx, id)
		return err
	})
	return t, err
}

func (m *Memory) LoadDetails(ctx context.Context, id engine.TemplateID) (out []engine.DistributionDetail, err error) {
	err = m.read(func(v *memoryView) error {
		out, err = v.LoadDetails(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) ListTemplates(ctx context.Context, org engine.OrganizationID) (out []engine.DistributionTemplate, err error) {
	err = m.read(func(v *memoryView) error {
		out, err = v.ListTemplates(ctx, org)
		return err
	})
	return out, err
}

func (m *Memory) SaveTemplate(ctx context.Context, t engine.DistributionTemplate) error {
	return m.write(ctx, func(s engine.Store) error { return s.SaveTemplate(ctx, t) })
}

func (m *Memory) ApplyReconciliation(ctx context.Context, r engine.ReconciliationResult) (out []engine.DistributionDetail, err error) {
	err = m.write(ctx, func(s engine.Store) error {
		out, err = s.ApplyReconciliation(ctx, r)
		return err
	})
	return out, err
}

func (m *Memory) CreateDefinition(ctx context.Context, d engine.RecurringInvoiceDefinition) error {
	return m.write(ctx, func(s engine.Store) error { return s.CreateDefinition(ctx, d) })
}

func (m *Memory) UpdateDefinition(ctx context.Context, d engine.RecurringInvoiceDefinition, expectedVersion int) error {
	return m.write(ctx, func(s engine.Store) error { return s.UpdateDefinition(ctx, d, expectedVersion) })
}

func (m *Memory) GetDefinition(ctx context.Context, id engine.DefinitionID) (d engine.RecurringInvoiceDefinition, err error) {
	err = m.read(func(v *memoryView) error {
		d, err = v.GetDefinition(ctx, id)
		return err
	})
	return d, err
}

func (m *Memory) ListDefinitions(ctx context.Context, filter engine.DefinitionFilter) (out []engine.RecurringInvoiceDefinition, err error) {
	err = m.read(func(v *memoryView) error {
		out, err = v.ListDefinitions(ctx, filter)
		return err
	})
	return out, err
}

func (m *Memory) ListInvoices(ctx context.Context, id engine.DefinitionID) (out []engine.InvoiceRecord, err error) {
	err = m.read(func(v *memoryView) error {
		out, err = v.ListInvoices(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) SaveInvoice(ctx context.Context, inv engine.InvoiceRecord) (id engine.InvoiceID, err error) {
	err = m.write(ctx, func(s engine.Store) error {
		id, err = s.SaveInvoice(ctx, inv)
		return err
	})
	return id, err
}

func (m *Memory) AccountExists(ctx context.Context, org engine.OrganizationID, id engine.AccountID) (ok bool, err error) {
	err = m.read(func(v *memoryView) error {
		ok, err = v.AccountExists(ctx, org, id)
		return err
	})
	return ok, err
}

func (m *Memory) ProfitCenterExists(ctx context.Context, org engine.OrganizationID, id engine.ProfitCenterID) (ok bool, err error) {
	err = m.read(func(v *memoryView) error {
		ok, err = v.ProfitCenterExists(ctx, org, id)
		return err
	})
	return ok, err
}

func (m *Memory) SaveAccount(ctx context.Context, a engine.GLAccount) error {
	return m.write(ctx, func(s engine.Store) error { return s.SaveAccount(ctx, a) })
}

func (m *Memory) SaveProfitCenter(ctx context.Context, p engine.ProfitCenter) error {
	return m.write(ctx, func(s engine.Store) error { return s.SaveProfitCenter(ctx, p) })
}

// =============================================================================
// UNLOCKED VIEW - Used inside WithTx (caller holds the lock)
// =============================================================================

type memoryView struct {
	st *memoryState
}

func (v *memoryView) GetTemplate(_ context.Context, id engine.TemplateID) (engine.DistributionTemplate, error) {
	t, ok := v.st.templates[id]
	if !ok {
		return engine.DistributionTemplate{}, &engine.NotFoundError{Kind: "template", ID: string(id)}
	}
	return t, nil
}

func (v *memoryView) LoadDetails(_ context.Context, id engine.TemplateID) ([]engine.DistributionDetail, error) {
	out := append([]engine.DistributionDetail(nil), v.st.details[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (v *memoryView) ListTemplates(_ context.Context, org engine.OrganizationID) ([]engine.DistributionTemplate, error) {
	var out []engine.DistributionTemplate
	for _, t := range v.st.templates {
		if org == "" || t.OrganizationID == org {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *memoryView) SaveTemplate(_ context.Context, t engine.DistributionTemplate) error {
	v.st.templates[t.ID] = t
	return nil
}

func (v *memoryView) ApplyReconciliation(_ context.Context, r engine.ReconciliationResult) ([]engine.DistributionDetail, error) {
	stored := v.st.details[r.TemplateID]
	index := make(map[engine.DetailID]int, len(stored))
	for i, d := range stored {
		index[d.ID] = i
	}

	for _, d := range append(append([]engine.DistributionDetail(nil), r.Updates...), r.Deletes...) {
		i, ok := index[d.ID]
		if !ok {
			return nil, &engine.NotFoundError{Kind: "detail", ID: string(d.ID)}
		}
		stored[i] = d
	}
	for _, d := range r.Inserts {
		if d.ID == "" {
			d.ID = engine.DetailID(uuid.NewString())
		}
		stored = append(stored, d)
	}
	v.st.details[r.TemplateID] = stored

	out := engine.ActiveDetails(stored)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (v *memoryView) CreateDefinition(_ context.Context, d engine.RecurringInvoiceDefinition) error {
	if _, exists := v.st.definitions[d.ID]; exists {
		return &engine.ValidationError{Field: "id", Reason: fmt.Sprintf("definition %s already exists", d.ID)}
	}
	v.st.definitions[d.ID] = d
	return nil
}

func (v *memoryView) UpdateDefinition(_ context.Context, d engine.RecurringInvoiceDefinition, expectedVersion int) error {
	current, ok := v.st.definitions[d.ID]
	if !ok {
		return &engine.NotFoundError{Kind: "definition", ID: string(d.ID)}
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("definition %s: stored version %d, expected %d: %w",
			d.ID, current.Version, expectedVersion, engine.ErrConcurrentModification)
	}
	v.st.definitions[d.ID] = d
	return nil
}

func (v *memoryView) GetDefinition(_ context.Context, id engine.DefinitionID) (engine.RecurringInvoiceDefinition, error) {
	d, ok := v.st.definitions[id]
	if !ok {
		return engine.RecurringInvoiceDefinition{}, &engine.NotFoundError{Kind: "definition", ID: string(id)}
	}
	return d, nil
}

func (v *memoryView) ListDefinitions(_ context.Context, filter engine.DefinitionFilter) ([]engine.RecurringInvoiceDefinition, error) {
	var out []engine.RecurringInvoiceDefinition
	for _, d := range v.st.definitions {
		if filter.OrganizationID != "" && d.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.ActiveOnly && !d.Active {
			continue
		}
		if filter.TemplateID != "" && (d.DistributionTemplateID == nil || *d.DistributionTemplateID != filter.TemplateID) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *memoryView) ListInvoices(_ context.Context, id engine.DefinitionID) ([]engine.InvoiceRecord, error) {
	return append([]engine.InvoiceRecord(nil), v.st.invoices[id]...), nil
}

func (v *memoryView) SaveInvoice(_ context.Context, inv engine.InvoiceRecord) (engine.InvoiceID, error) {
	existing := v.st.invoices[inv.DefinitionID]
	for _, e := range existing {
		if e.PeriodKey == inv.PeriodKey {
			return "", fmt.Errorf("invoice for definition %s period %s already exists: %w",
				inv.DefinitionID, inv.PeriodKey, engine.ErrConcurrentModification)
		}
	}
	if inv.ID == "" {
		inv.ID = engine.InvoiceID(uuid.NewString())
	}
	inv.Lines = append([]engine.InvoiceLine(nil), inv.Lines...)

	existing = append(existing, inv)
	sort.SliceStable(existing, func(i, j int) bool {
		return existing[i].InvoiceDate.Before(existing[j].InvoiceDate)
	})
	v.st.invoices[inv.DefinitionID] = existing
	return inv.ID, nil
}

func (v *memoryView) AccountExists(_ context.Context, org engine.OrganizationID, id engine.AccountID) (bool, error) {
	_, ok := v.st.accounts[glKey{org: org, id: string(id)}]
	return ok, nil
}

func (v *memoryView) ProfitCenterExists(_ context.Context, org engine.OrganizationID, id engine.ProfitCenterID) (bool, error) {
	_, ok := v.st.centers[glKey{org: org, id: string(id)}]
	return ok, nil
}

func (v *memoryView) SaveAccount(_ context.Context, a engine.GLAccount) error {
	v.st.accounts[glKey{org: a.OrganizationID, id: string(a.ID)}] = a
	return nil
}

func (v *memoryView) SaveProfitCenter(_ context.Context, p engine.ProfitCenter) error {
	v.st.centers[glKey{org: p.OrganizationID, id: string(p.ID)}] = p
	return nil
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"machinewatch/internal/models"
)

// Memory is an in-process Store. Transactions stage their writes and apply
// them under the store lock at commit, failing with ErrVersionConflict when
// a machine row they touched changed in the meantime.
type Memory struct {
	mu sync.RWMutex

	machines map[string]*models.Machine
	codes    map[string]string // live code -> id

	samples map[string][]*models.Sample // per machine, ordered by timestamp

	alerts   []*models.Alert
	alertIdx map[string]int
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		machines: make(map[string]*models.Machine),
		codes:    make(map[string]string),
		samples:  make(map[string][]*models.Sample),
		alertIdx: make(map[string]int),
	}
}

// GetMachine returns a live machine by id or code
func (s *Memory) GetMachine(ctx context.Context, ref string) (*models.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.lookup(ref)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, ref)
	}
	return m.Clone(), nil
}

func (s *Memory) lookup(ref string) *models.Machine {
	if m, ok := s.machines[ref]; ok && m.DeletedAt == nil {
		return m
	}
	if id, ok := s.codes[models.NormalizeCode(ref)]; ok {
		if m, ok := s.machines[id]; ok && m.DeletedAt == nil {
			return m
		}
	}
	return nil
}

// ListMachines returns live machines ordered by code
func (s *Memory) ListMachines(ctx context.Context, filter MachineFilter) ([]*models.Machine, error) {
	s.mu.RLock()
	out := make([]*models.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		if m.DeletedAt != nil {
			continue
		}
		if filter.MonitoredOnly && !m.Monitored {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		out = append(out, m.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// RecentSamples returns up to limit samples, newest first
func (s *Memory) RecentSamples(ctx context.Context, machineID string, limit int) ([]*models.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.samples[machineID]
	out := make([]*models.Sample, 0, min(len(series), max(limit, 0)))
	for i := len(series) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, copySample(series[i]))
	}
	return out, nil
}

// RecentTemperatures returns up to limit temperatures, oldest first
func (s *Memory) RecentTemperatures(ctx context.Context, machineID string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.samples[machineID]
	values := make([]float64, 0, limit)
	for i := len(series) - 1; i >= 0 && len(values) < limit; i-- {
		if t := series[i].Temperature; t != nil {
			values = append(values, *t)
		}
	}
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values, nil
}

// SamplesBetween returns samples with from <= timestamp < to, oldest first
func (s *Memory) SamplesBetween(ctx context.Context, machineID string, from, to time.Time) ([]*models.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.samples[machineID]
	start := sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(from) })
	var out []*models.Sample
	for i := start; i < len(series) && series[i].Timestamp.Before(to); i++ {
		out = append(out, copySample(series[i]))
	}
	return out, nil
}

// GetAlert returns an alert by id
func (s *Memory) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.alertIdx[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return s.alerts[i].Clone(), nil
}

// ListAlerts returns matching alerts, newest first
func (s *Memory) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultAlertLimit
	}

	s.mu.RLock()
	var out []*models.Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if filter.Matches(s.alerts[i]) {
			out = append(out, s.alerts[i].Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds
func (s *Memory) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *Memory) Close() error { return nil }

// InTx runs fn against a staged transaction and commits it if fn succeeds
func (s *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:   s,
		view:    make(map[string]*models.Machine),
		writes:  make(map[string]*machineWrite),
		updated: make(map[string]*models.Alert),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Memory) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check everything before applying anything
	for _, m := range tx.created {
		if _, ok := s.machines[m.ID]; ok {
			return fmt.Errorf("%w: id %s", ErrDuplicateCode, m.ID)
		}
		if _, ok := s.codes[m.Code]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, m.Code)
		}
	}
	for id, w := range tx.writes {
		cur, ok := s.machines[id]
		if !ok || cur.DeletedAt != nil {
			return fmt.Errorf("%w: %s", ErrMachineNotFound, id)
		}
		if cur.Version != w.expected {
			return fmt.Errorf("%w: machine %s at version %d, expected %d", ErrVersionConflict, id, cur.Version, w.expected)
		}
		if w.full {
			if owner, ok := s.codes[w.machine.Code]; ok && owner != id && w.machine.DeletedAt == nil {
				return fmt.Errorf("%w: %s", ErrDuplicateCode, w.machine.Code)
			}
		}
	}

	for _, m := range tx.created {
		s.machines[m.ID] = m.Clone()
		s.codes[m.Code] = m.ID
	}
	for id, w := range tx.writes {
		cur := s.machines[id]
		if !w.full {
			cur.Status = w.machine.Status
			cur.LastTelemetryAt = w.machine.LastTelemetryAt
			cur.Version = w.machine.Version
			cur.UpdatedAt = w.machine.UpdatedAt
			continue
		}
		if s.codes[cur.Code] == id {
			delete(s.codes, cur.Code)
		}
		next := w.machine.Clone()
		s.machines[id] = next
		if next.DeletedAt == nil {
			s.codes[next.Code] = id
		}
	}

	for _, smp := range tx.samples {
		s.insertSample(smp)
	}

	for _, r := range tx.resolves {
		for _, a := range s.alerts {
			if a.MachineID == r.machineID && a.Type == r.alertType && !a.Resolved {
				at := r.at
				a.Resolved = true
				a.ResolvedAt = &at
			}
		}
	}
	for id, upd := range tx.updated {
		if i, ok := s.alertIdx[id]; ok {
			mergeAlert(s.alerts[i], upd)
		}
	}
	for _, a := range tx.inserted {
		s.alertIdx[a.ID] = len(s.alerts)
		s.alerts = append(s.alerts, a.Clone())
	}

	return nil
}

func (s *Memory) insertSample(smp *models.Sample) {
	series := s.samples[smp.MachineID]
	i := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(smp.Timestamp) })
	series = append(series, nil)
	copy(series[i+1:], series[i:])
	series[i] = smp
	s.samples[smp.MachineID] = series
}

// mergeAlert applies acknowledgement and resolution. Both only ever move
// from false to true, so concurrent updates cannot undo each other.
func mergeAlert(dst, src *models.Alert) {
	if src.Acknowledged && !dst.Acknowledged {
		dst.Acknowledged = true
		dst.AcknowledgedAt = src.AcknowledgedAt
		dst.AcknowledgementNotes = src.AcknowledgementNotes
	}
	if src.Resolved && !dst.Resolved {
		dst.Resolved = true
		dst.ResolvedAt = src.ResolvedAt
	}
}

func copySample(s *models.Sample) *models.Sample {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

type machineWrite struct {
	expected int64
	full     bool
	machine  *models.Machine
}

type alertResolve struct {
	machineID string
	alertType models.AlertType
	at        time.Time
}

type memTx struct {
	store *Memory

	view    map[string]*models.Machine // staged machine state by id
	created []*models.Machine
	writes  map[string]*machineWrite

	samples []*models.Sample

	inserted []*models.Alert
	updated  map[string]*models.Alert
	resolves []alertResolve
}

func (tx *memTx) GetMachine(ctx context.Context, ref string) (*models.Machine, error) {
	if m, ok := tx.view[ref]; ok {
		return m.Clone(), nil
	}
	for _, m := range tx.view {
		if m.Code == models.NormalizeCode(ref) {
			return m.Clone(), nil
		}
	}
	return tx.store.GetMachine(ctx, ref)
}

func (tx *memTx) CreateMachine(ctx context.Context, m *models.Machine) error {
	if _, err := tx.GetMachine(ctx, m.Code); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateCode, m.Code)
	}
	c := m.Clone()
	tx.created = append(tx.created, c)
	tx.view[c.ID] = c
	return nil
}

func (tx *memTx) UpdateMachine(ctx context.Context, m *models.Machine) error {
	expected, err := tx.expectVersion(ctx, m.ID, m.Version)
	if err != nil {
		return err
	}
	m.Version++
	c := m.Clone()
	tx.writes[m.ID] = &machineWrite{expected: expected, full: true, machine: c}
	tx.view[m.ID] = c
	return nil
}

func (tx *memTx) UpdateMachineState(ctx context.Context, id string, expectedVersion int64, status models.Status, lastTelemetryAt *time.Time, now time.Time) (int64, error) {
	cur, err := tx.GetMachine(ctx, id)
	if err != nil {
		return 0, err
	}
	expected, err := tx.expectVersion(ctx, id, expectedVersion)
	if err != nil {
		return 0, err
	}

	cur.Status = status
	cur.LastTelemetryAt = lastTelemetryAt
	cur.Version = expectedVersion + 1
	cur.UpdatedAt = now

	full := false
	if w, ok := tx.writes[id]; ok {
		full = w.full
	}
	tx.writes[id] = &machineWrite{expected: expected, full: full, machine: cur}
	tx.view[id] = cur
	return cur.Version, nil
}

// expectVersion checks the caller's version against the staged view and
// returns the version the committed row must still have.
func (tx *memTx) expectVersion(ctx context.Context, id string, version int64) (int64, error) {
	if w, ok := tx.writes[id]; ok {
		if w.machine.Version != version {
			return 0, fmt.Errorf("%w: machine %s", ErrVersionConflict, id)
		}
		return w.expected, nil
	}
	for _, c := range tx.created {
		if c.ID == id {
			return 0, fmt.Errorf("machine %s created in this transaction cannot be updated in it", id)
		}
	}
	cur, err := tx.store.GetMachine(ctx, id)
	if err != nil {
		return 0, err
	}
	if cur.Version != version {
		return 0, fmt.Errorf("%w: machine %s at version %d, expected %d", ErrVersionConflict, id, cur.Version, version)
	}
	return version, nil
}

func (tx *memTx) InsertSample(ctx context.Context, s *models.Sample) error {
	tx.samples = append(tx.samples, copySample(s))
	return nil
}

func (tx *memTx) CountTemperatureAbove(ctx context.Context, machineID string, threshold float64) (int, error) {
	count := 0
	tx.store.mu.RLock()
	for _, s := range tx.store.samples[machineID] {
		if s.Temperature != nil && *s.Temperature > threshold {
			count++
		}
	}
	tx.store.mu.RUnlock()

	for _, s := range tx.samples {
		if s.MachineID == machineID && s.Temperature != nil && *s.Temperature > threshold {
			count++
		}
	}
	return count, nil
}

func (tx *memTx) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	if a, ok := tx.updated[id]; ok {
		return a.Clone(), nil
	}
	for _, a := range tx.inserted {
		if a.ID == id {
			return a.Clone(), nil
		}
	}
	return tx.store.GetAlert(ctx, id)
}

func (tx *memTx) InsertAlert(ctx context.Context, a *models.Alert) error {
	tx.inserted = append(tx.inserted, a.Clone())
	return nil
}

func (tx *memTx) UpdateAlert(ctx context.Context, a *models.Alert) error {
	if _, err := tx.GetAlert(ctx, a.ID); err != nil {
		return err
	}
	tx.updated[a.ID] = a.Clone()
	return nil
}

func (tx *memTx) LatestAlert(ctx context.Context, machineID string, alertType models.AlertType, unresolvedOnly bool) (*models.Alert, error) {
	match := func(a *models.Alert) bool {
		return a.MachineID == machineID && a.Type == alertType && (!unresolvedOnly || !a.Resolved)
	}

	var latest *models.Alert
	tx.store.mu.RLock()
	for _, a := range tx.store.alerts {
		if match(a) && (latest == nil || !a.CreatedAt.Before(latest.CreatedAt)) {
			latest = a
		}
	}
	if latest != nil {
		latest = latest.Clone()
	}
	tx.store.mu.RUnlock()

	for _, a := range tx.inserted {
		if match(a) && (latest == nil || !a.CreatedAt.Before(latest.CreatedAt)) {
			latest = a.Clone()
		}
	}
	return latest, nil
}

func (tx *memTx) ResolveAlerts(ctx context.Context, machineID string, alertType models.AlertType, at time.Time) (int, error) {
	count := 0
	tx.store.mu.RLock()
	for _, a := range tx.store.alerts {
		if a.MachineID == machineID && a.Type == alertType && !a.Resolved {
			count++
		}
	}
	tx.store.mu.RUnlock()

	tx.resolves = append(tx.resolves, alertResolve{machineID: machineID, alertType: alertType, at: at})
	return count, nil
}

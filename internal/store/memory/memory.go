// Package memory is an in-process store.Store used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"adaccount-provisioner/internal/jobstate"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/store"
)

// Store keeps every record in maps guarded by one mutex, so lane claims are atomic.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64
	accounts map[string]models.Account
	jobs     map[string]models.Job
	jobSeq   map[string]int64
	items    map[string]models.Item
	itemSeq  map[string]int64
	proxies  map[string]models.Proxy
	settings map[string]models.Settings
	bots     map[string]models.TelegramBot
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		accounts: make(map[string]models.Account),
		jobs:     make(map[string]models.Job),
		jobSeq:   make(map[string]int64),
		items:    make(map[string]models.Item),
		itemSeq:  make(map[string]int64),
		proxies:  make(map[string]models.Proxy),
		settings: make(map[string]models.Settings),
		bots:     make(map[string]models.TelegramBot),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) clock() time.Time { return s.now().UTC() }

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}

func (s *Store) CreateAccount(_ context.Context, p store.CreateAccountParams) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	a := models.Account{
		ID:          uuid.New().String(),
		Owner:       p.Owner,
		Title:       p.Title,
		BusinessID:  p.BusinessID,
		AccessToken: p.AccessToken,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return a, nil
}

func (s *Store) ListAccounts(_ context.Context, owner string, withDeleted bool) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Account
	for _, a := range s.accounts {
		if a.Owner != owner || (!withDeleted && a.DeletedAt != nil) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SoftDeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	for _, j := range s.jobs {
		if j.AccountID == id && j.DeletedAt == nil && j.Status == models.StatusProcessing {
			return fmt.Errorf("account %s has a processing job: %w", id, store.ErrLaneBusy)
		}
	}
	now := s.clock()
	a.DeletedAt = &now
	s.accounts[id] = a
	for jid, j := range s.jobs {
		if j.AccountID == id && j.DeletedAt == nil {
			s.deleteJobLocked(jid, now)
		}
	}
	return nil
}

func (s *Store) RestoreAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	a.DeletedAt = nil
	s.accounts[id] = a
	for jid, j := range s.jobs {
		if j.AccountID == id && j.DeletedAt != nil {
			s.restoreJobLocked(jid)
		}
	}
	return nil
}

func (s *Store) LaneCredentials(_ context.Context, accountID string) (models.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok || a.DeletedAt != nil {
		return models.Credentials{}, fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	return models.Credentials{BusinessID: a.BusinessID, AccessToken: a.AccessToken}, nil
}

func (s *Store) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[p.AccountID]; !ok || a.DeletedAt != nil {
		return models.Job{}, fmt.Errorf("account %s: %w", p.AccountID, store.ErrNotFound)
	}
	now := s.clock()
	j := models.Job{
		ID:             uuid.New().String(),
		AccountID:      p.AccountID,
		Owner:          p.Owner,
		Pattern:        p.Pattern,
		StartingNumber: p.StartingNumber,
		Total:          p.Total,
		Currency:       p.Currency,
		TimezoneID:     p.TimezoneID,
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[j.ID] = j
	s.jobSeq[j.ID] = s.next()
	return j, nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return j, nil
}

func (s *Store) ListJobs(_ context.Context, f store.JobFilter) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if f.Owner != "" && j.Owner != f.Owner {
			continue
		}
		if f.AccountID != "" && j.AccountID != f.AccountID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if !f.WithDeleted && j.DeletedAt != nil {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return s.jobSeq[out[a].ID] > s.jobSeq[out[b].ID] })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) HasProcessing(_ context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.laneBusyLocked(accountID, ""), nil
}

func (s *Store) laneBusyLocked(accountID, exceptID string) bool {
	for _, j := range s.jobs {
		if j.AccountID == accountID && j.ID != exceptID && j.DeletedAt == nil && j.Status == models.StatusProcessing {
			return true
		}
	}
	return false
}

func (s *Store) TransitionJob(_ context.Context, id, to, msg string) (models.Job, jobstate.Effects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, jobstate.Effects{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if to == models.StatusProcessing && s.laneBusyLocked(j.AccountID, j.ID) {
		return models.Job{}, jobstate.Effects{}, fmt.Errorf("job %s: %w", id, store.ErrLaneBusy)
	}
	return s.applyLocked(j, to, msg)
}

func (s *Store) applyLocked(j models.Job, to, msg string) (models.Job, jobstate.Effects, error) {
	now := s.clock()
	eff, err := jobstate.Plan(j, to, now, msg)
	if err != nil {
		return models.Job{}, jobstate.Effects{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	jobstate.Apply(&j, eff, now)
	s.jobs[j.ID] = j
	return j, eff, nil
}

func (s *Store) ClaimJob(_ context.Context, id string) (models.Job, jobstate.Effects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.DeletedAt != nil {
		return models.Job{}, jobstate.Effects{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if j.Status != models.StatusPending && j.Status != models.StatusPaused {
		return models.Job{}, jobstate.Effects{}, fmt.Errorf("job %s is %s: %w", id, j.Status, store.ErrInvalidTransition)
	}
	if s.laneBusyLocked(j.AccountID, j.ID) {
		return models.Job{}, jobstate.Effects{}, fmt.Errorf("job %s: %w", id, store.ErrLaneBusy)
	}
	return s.applyLocked(j, models.StatusProcessing, "")
}

func (s *Store) ClaimNextPending(_ context.Context, accountID string) (models.Job, jobstate.Effects, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.laneBusyLocked(accountID, "") {
		return models.Job{}, jobstate.Effects{}, false, nil
	}
	var (
		oldest models.Job
		found  bool
	)
	for _, j := range s.jobs {
		if j.AccountID != accountID || j.DeletedAt != nil || j.Status != models.StatusPending {
			continue
		}
		if !found || s.jobSeq[j.ID] < s.jobSeq[oldest.ID] {
			oldest, found = j, true
		}
	}
	if !found {
		return models.Job{}, jobstate.Effects{}, false, nil
	}
	j, eff, err := s.applyLocked(oldest, models.StatusProcessing, "")
	if err != nil {
		return models.Job{}, jobstate.Effects{}, false, err
	}
	return j, eff, true, nil
}

func (s *Store) SoftDeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if j.Active() {
		return fmt.Errorf("job %s is %s: %w", id, j.Status, store.ErrInvalidTransition)
	}
	s.deleteJobLocked(id, s.clock())
	return nil
}

func (s *Store) deleteJobLocked(id string, now time.Time) {
	j := s.jobs[id]
	j.DeletedAt = &now
	s.jobs[id] = j
	for iid, it := range s.items {
		if it.JobID == id && it.DeletedAt == nil {
			it.DeletedAt = &now
			s.items[iid] = it
		}
	}
}

func (s *Store) RestoreJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	s.restoreJobLocked(id)
	return nil
}

func (s *Store) restoreJobLocked(id string) {
	j := s.jobs[id]
	j.DeletedAt = nil
	s.jobs[id] = j
	for iid, it := range s.items {
		if it.JobID == id && it.DeletedAt != nil {
			it.DeletedAt = nil
			s.items[iid] = it
		}
	}
}

func (s *Store) EnsureItem(_ context.Context, job models.Job, name string) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.JobID == job.ID && it.Name == name {
			return it, nil
		}
	}
	now := s.clock()
	it := models.Item{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		AccountID:  job.AccountID,
		Owner:      job.Owner,
		Name:       name,
		Currency:   job.Currency,
		TimezoneID: job.TimezoneID,
		Status:     models.ItemPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.items[it.ID] = it
	s.itemSeq[it.ID] = s.next()
	return it, nil
}

func (s *Store) CompleteItem(_ context.Context, itemID, externalID string, raw []byte) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return models.Job{}, fmt.Errorf("item %s: %w", itemID, store.ErrNotFound)
	}
	j := s.jobs[it.JobID]
	if it.Status == models.ItemCreated {
		return j, nil
	}
	for _, other := range s.items {
		if other.ID != itemID && other.ExternalID != nil && *other.ExternalID == externalID {
			return models.Job{}, fmt.Errorf("external id %s: %w", externalID, store.ErrDuplicate)
		}
	}
	now := s.clock()
	ext := externalID
	it.Status = models.ItemCreated
	it.ExternalID = &ext
	it.RawResponse = slices.Clone(raw)
	it.UpdatedAt = now
	s.items[itemID] = it
	if j.Processed < j.Total {
		j.Processed++
		j.UpdatedAt = now
		s.jobs[j.ID] = j
	}
	return j, nil
}

func (s *Store) FailItem(_ context.Context, itemID string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("item %s: %w", itemID, store.ErrNotFound)
	}
	if it.Status == models.ItemCreated {
		return nil
	}
	it.Status = models.ItemFailed
	it.RawResponse = slices.Clone(raw)
	it.UpdatedAt = s.clock()
	s.items[itemID] = it
	return nil
}

func (s *Store) ListItems(_ context.Context, jobID string) ([]models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Item
	for _, it := range s.items {
		if it.JobID == jobID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(a, b int) bool { return s.itemSeq[out[a].ID] < s.itemSeq[out[b].ID] })
	return out, nil
}

func (s *Store) CreateProxy(_ context.Context, p models.Proxy) (models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.proxies {
		if other.Owner == p.Owner && other.Host == p.Host && other.Port == p.Port {
			return models.Proxy{}, fmt.Errorf("proxy %s:%d: %w", p.Host, p.Port, store.ErrDuplicate)
		}
	}
	now := s.clock()
	p.ID = uuid.New().String()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.proxies[p.ID] = p
	return p, nil
}

func (s *Store) GetProxy(_ context.Context, id string) (models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return models.Proxy{}, fmt.Errorf("proxy %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListProxies(_ context.Context, owner string) ([]models.Proxy, error) {
	return s.filterProxies(owner, false), nil
}

func (s *Store) UsableProxies(_ context.Context, owner string) ([]models.Proxy, error) {
	return s.filterProxies(owner, true), nil
}

func (s *Store) filterProxies(owner string, usableOnly bool) []models.Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Proxy
	for _, p := range s.proxies {
		if p.Owner != owner || (usableOnly && !p.Usable()) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) || (out[a].CreatedAt.Equal(out[b].CreatedAt) && out[a].ID < out[b].ID) })
	return out
}

func (s *Store) RecordProxyUse(_ context.Context, id string, success bool, errMsg string) (models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return models.Proxy{}, fmt.Errorf("proxy %s: %w", id, store.ErrNotFound)
	}
	now := s.clock()
	p.LastUsedAt = &now
	if success {
		p.SuccessCount++
		p.LastError = nil
	} else {
		p.FailureCount++
		if errMsg != "" {
			p.LastError = &errMsg
		}
	}
	if p.ShouldDeactivate() {
		p.Active = false
	}
	p.UpdatedAt = now
	s.proxies[id] = p
	return p, nil
}

func (s *Store) SetProxyValidation(_ context.Context, id string, ok bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.proxies[id]
	if !found {
		return fmt.Errorf("proxy %s: %w", id, store.ErrNotFound)
	}
	now := s.clock()
	p.Validated = ok
	p.LastValidatedAt = &now
	if ok {
		p.LastError = nil
	} else {
		p.LastError = &errMsg
	}
	p.UpdatedAt = now
	s.proxies[id] = p
	return nil
}

func (s *Store) DeleteProxy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[id]; !ok {
		return fmt.Errorf("proxy %s: %w", id, store.ErrNotFound)
	}
	delete(s.proxies, id)
	return nil
}

func (s *Store) GetSettings(_ context.Context, owner string) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.settings[owner]; ok {
		return st, nil
	}
	return models.DefaultSettings(owner), nil
}

func (s *Store) SaveSettings(_ context.Context, st models.Settings) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = s.clock()
	s.settings[st.Owner] = st
	return st, nil
}

func (s *Store) CreateBot(_ context.Context, b models.TelegramBot) (models.TelegramBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = uuid.New().String()
	b.CreatedAt = s.clock()
	b.Events = slices.Clone(b.Events)
	s.bots[b.ID] = b
	return b, nil
}

func (s *Store) GetBot(_ context.Context, id string) (models.TelegramBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return models.TelegramBot{}, fmt.Errorf("bot %s: %w", id, store.ErrNotFound)
	}
	return b, nil
}

func (s *Store) ListBots(_ context.Context, owner string) ([]models.TelegramBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TelegramBot
	for _, b := range s.bots {
		if b.Owner == owner {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteBot(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[id]; !ok {
		return fmt.Errorf("bot %s: %w", id, store.ErrNotFound)
	}
	delete(s.bots, id)
	return nil
}

func (s *Store) TouchBot(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return fmt.Errorf("bot %s: %w", id, store.ErrNotFound)
	}
	now := s.clock()
	b.LastNotificationAt = &now
	s.bots[id] = b
	return nil
}

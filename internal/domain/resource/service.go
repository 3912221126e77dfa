package resource

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/platform/events"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/internal/platform/metrics"
	"github.com/ehr/screening/pkg/pagination"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// Service implements the FHIR interactions over a Store.
type Service struct {
	store     Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	defaultCount int
	maxCount     int

	locks keyedMutex
}

func NewService(store Store, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		store:        store,
		publisher:    publisher,
		logger:       logger.With().Str("component", "resource").Logger(),
		now:          time.Now,
		defaultCount: 20,
		maxCount:     100,
		locks:        keyedMutex{locks: make(map[string]*refLock)},
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetPaging overrides the default and maximum _count.
func (s *Service) SetPaging(defaultCount, maxCount int) {
	if defaultCount > 0 {
		s.defaultCount = defaultCount
	}
	if maxCount > 0 {
		s.maxCount = maxCount
	}
}

// Store exposes the underlying store for health checks.
func (s *Service) Store() Store { return s.store }

// Create decodes body as resourceType and stores it as version 1.
func (s *Service) Create(ctx context.Context, resourceType string, body []byte) (Resource, error) {
	if !IsSupported(resourceType) {
		return nil, ErrUnsupported
	}
	r, err := DecodeAs(resourceType, body)
	if err != nil {
		return nil, err
	}
	return s.CreateResource(ctx, r)
}

// CreateResource stores a typed resource, assigning an id when absent. A
// supplied id that is already live fails with ErrAlreadyExists; a tombstoned
// id is recreated at the next version.
func (s *Service) CreateResource(ctx context.Context, r Resource) (Resource, error) {
	r = Clone(r)
	if err := s.validate(ctx, r); err != nil {
		return nil, err
	}
	if r.GetID() == "" {
		r.SetID(uuid.NewString())
	}

	unlock := s.locks.lock(key(r.ResourceType(), r.GetID()))
	defer unlock()

	version, prevUpdated := "1", (*time.Time)(nil)
	existing, err := s.store.Get(ctx, r.ResourceType(), r.GetID())
	switch {
	case err == nil:
		return nil, fmt.Errorf("%s/%s: %w", r.ResourceType(), r.GetID(), ErrAlreadyExists)
	case errors.Is(err, ErrDeleted):
		version = fhir.NextVersion(VersionID(existing))
		prevUpdated = lastUpdatedRef(existing)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	s.stampMeta(r, version, prevUpdated)
	if err := s.store.Put(ctx, r); err != nil {
		return nil, fmt.Errorf("store %s/%s: %w", r.ResourceType(), r.GetID(), err)
	}
	s.metrics.ResourceWritten(r.ResourceType(), "create")
	s.publish(ctx, events.TypeResourceCreated, r)
	return r, nil
}

// Read returns the current version, ErrNotFound, or ErrDeleted.
func (s *Service) Read(ctx context.Context, resourceType, id string) (Resource, error) {
	if !IsSupported(resourceType) {
		return nil, ErrUnsupported
	}
	r, err := s.store.Get(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Update replaces the resource at id. ifMatch, when non-empty, must equal the
// current versionId.
func (s *Service) Update(ctx context.Context, resourceType, id string, body []byte, ifMatch string) (Resource, error) {
	if !IsSupported(resourceType) {
		return nil, ErrUnsupported
	}
	r, err := DecodeAs(resourceType, body)
	if err != nil {
		return nil, err
	}
	if r.GetID() != "" && r.GetID() != id {
		return nil, invalid(resourceType+".id", fmt.Sprintf("body id %q does not match %q", r.GetID(), id))
	}
	r.SetID(id)
	return s.UpdateResource(ctx, r, ifMatch)
}

// UpdateResource is Update for an already decoded resource. Without ifMatch
// the last writer wins; writes to one id are serialized either way.
func (s *Service) UpdateResource(ctx context.Context, r Resource, ifMatch string) (Resource, error) {
	r = Clone(r)
	if err := s.validate(ctx, r); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(key(r.ResourceType(), r.GetID()))
	defer unlock()

	existing, err := s.store.Get(ctx, r.ResourceType(), r.GetID())
	if err != nil {
		return nil, err
	}
	current := VersionID(existing)
	if ifMatch != "" && ifMatch != current {
		return nil, &VersionConflictError{Expected: ifMatch, Current: current}
	}

	s.stampMeta(r, fhir.NextVersion(current), lastUpdatedRef(existing))
	if err := s.store.Put(ctx, r); err != nil {
		return nil, fmt.Errorf("store %s/%s: %w", r.ResourceType(), r.GetID(), err)
	}
	s.metrics.ResourceWritten(r.ResourceType(), "update")
	s.publish(ctx, events.TypeResourceUpdated, r)
	return r, nil
}

// Delete tombstones the resource at the next version. Deleting a tombstone
// is a no-op.
func (s *Service) Delete(ctx context.Context, resourceType, id string) error {
	if !IsSupported(resourceType) {
		return ErrUnsupported
	}
	unlock := s.locks.lock(key(resourceType, id))
	defer unlock()

	existing, err := s.store.Get(ctx, resourceType, id)
	if errors.Is(err, ErrDeleted) {
		return nil
	}
	if err != nil {
		return err
	}

	version := fhir.NextVersion(VersionID(existing))
	at := fhir.NextLastUpdated(lastUpdatedRef(existing), s.now().UTC())
	if err := s.store.Tombstone(ctx, resourceType, id, version, at); err != nil {
		return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	setTombstoneMeta(existing, version, at)
	s.metrics.ResourceWritten(resourceType, "delete")
	s.publish(ctx, events.TypeResourceDeleted, existing)
	return nil
}

// Search runs a type-level search and wraps the page in a searchset Bundle.
func (s *Service) Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error) {
	results, total, page, err := s.SearchResources(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}
	return fhir.NewSearchBundle(identified(results), fhir.SearchBundleParams{
		BasePath: "/fhir/" + resourceType,
		Filters:  params,
		Page:     page,
		Total:    total,
	})
}

// SearchResources returns one page of typed matches with the total count.
func (s *Service) SearchResources(ctx context.Context, resourceType string, params url.Values) ([]Resource, int, pagination.Params, error) {
	if !IsSupported(resourceType) {
		return nil, 0, pagination.Params{}, ErrUnsupported
	}
	page, err := pagination.Parse(params, s.defaultCount, s.maxCount)
	if err != nil {
		var pe *pagination.Error
		if errors.As(err, &pe) {
			return nil, 0, page, &ValidationError{Param: pe.Param, Reason: fmt.Sprintf("%q is not a non-negative integer", pe.Value)}
		}
		return nil, 0, page, err
	}
	q, err := BuildQuery(resourceType, params)
	if err != nil {
		return nil, 0, page, err
	}
	q.Limit, q.Offset = page.Limit, page.Offset

	results, total, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, 0, page, fmt.Errorf("search %s: %w", resourceType, err)
	}
	s.metrics.Searched(resourceType, total)
	return results, total, page, nil
}

// Everything returns the patient followed by its compartment, type by type.
// types restricts the compartment types when non-empty; perType > 0 caps
// the entries of each type.
func (s *Service) Everything(ctx context.Context, patientID string, types []string, perType int) (*fhir.Bundle, error) {
	resources, err := s.compartment(ctx, patientID, types, perType)
	if err != nil {
		return nil, err
	}
	return fhir.NewEverythingBundle(identified(resources), "/fhir/Patient/"+patientID+"/$everything")
}

// PatientRecord loads the patient and its whole compartment in typed form.
func (s *Service) PatientRecord(ctx context.Context, patientID string) (*PatientRecord, error) {
	resources, err := s.compartment(ctx, patientID, nil, 0)
	if err != nil {
		return nil, err
	}
	rec := &PatientRecord{}
	for _, r := range resources {
		rec.add(r)
	}
	return rec, nil
}

func (s *Service) compartment(ctx context.Context, patientID string, types []string, perType int) ([]Resource, error) {
	patient, err := s.store.Get(ctx, TypePatient, patientID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	out := []Resource{patient}
	for _, t := range compartmentOrder {
		if len(wanted) > 0 && !wanted[t] {
			continue
		}
		rs, _, err := s.store.Query(ctx, Query{ResourceType: t, PatientID: patientID, Limit: perType})
		if err != nil {
			return nil, fmt.Errorf("load %s for patient %s: %w", t, patientID, err)
		}
		out = append(out, rs...)
	}
	return out, nil
}

func (s *Service) validate(ctx context.Context, r Resource) error {
	if !IsSupported(r.ResourceType()) {
		return ErrUnsupported
	}
	if id := r.GetID(); id != "" && !idPattern.MatchString(id) {
		return invalid(r.ResourceType()+".id", fmt.Sprintf("%q is not a valid id", id))
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ResourceType() == TypePatient {
		return nil
	}

	field := subjectField(r)
	_, err := s.store.Get(ctx, TypePatient, r.SubjectID())
	switch {
	case errors.Is(err, ErrNotFound):
		return invalid(field, fmt.Sprintf("Patient/%s does not exist", r.SubjectID()))
	case errors.Is(err, ErrDeleted):
		return invalid(field, fmt.Sprintf("Patient/%s has been deleted", r.SubjectID()))
	case err != nil:
		return fmt.Errorf("resolve %s: %w", field, err)
	}
	return nil
}

func subjectField(r Resource) string {
	switch r.ResourceType() {
	case TypeImmunization, TypeFamilyMemberHistory, TypeImmunizationRecommendation:
		return r.ResourceType() + ".patient"
	}
	return r.ResourceType() + ".subject"
}

// stampMeta sets versionId and a lastUpdated strictly after prev.
func (s *Service) stampMeta(r Resource, version string, prev *time.Time) {
	at := fhir.NextLastUpdated(prev, s.now().UTC())
	meta := &fhir.Meta{VersionID: version, LastUpdated: &at}
	if old := r.GetMeta(); old != nil {
		meta.Profile = old.Profile
	}
	r.SetMeta(meta)
}

func (s *Service) publish(ctx context.Context, eventType string, r Resource) {
	patientID := r.SubjectID()
	if r.ResourceType() == TypePatient {
		patientID = r.GetID()
	}
	var data interface{}
	if eventType != events.TypeResourceDeleted {
		data = r
	}
	ev, err := events.NewEvent(eventType, r.ResourceType(), r.GetID(), patientID, data)
	if err == nil {
		ev.ID = uuid.NewString()
		ev.VersionID = VersionID(r)
		err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		s.metrics.EventFailed()
		s.logger.Warn().Err(err).
			Str("event", eventType).
			Str("resource", key(r.ResourceType(), r.GetID())).
			Msg("failed to publish resource event")
	}
}

func lastUpdatedRef(r Resource) *time.Time {
	if m := r.GetMeta(); m != nil {
		return m.LastUpdated
	}
	return nil
}

func identified(rs []Resource) []fhir.Identified {
	out := make([]fhir.Identified, len(rs))
	for i, r := range rs {
		out[i] = r
	}
	return out
}

func key(resourceType, id string) string { return resourceType + "/" + id }

// keyedMutex serializes writers per resource id. Entries are dropped once
// no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(name string) func() {
	k.mu.Lock()
	l := k.locks[name]
	if l == nil {
		l = &refLock{}
		k.locks[name] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, name)
		}
		k.mu.Unlock()
	}
}

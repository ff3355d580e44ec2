package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"ai-image-pipeline/internal/domain"
	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/domain/ports/adapter"
	"ai-image-pipeline/internal/domain/ports/repository"
	"ai-image-pipeline/internal/infra/imaging"
)

// ---- Fakes ----

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

type memExecRepo struct {
	mu   sync.Mutex
	byID map[string]*model.JobExecution
}

func newMemExecRepo() *memExecRepo {
	return &memExecRepo{byID: map[string]*model.JobExecution{}}
}

func (m *memExecRepo) Save(ctx context.Context, tx repository.Tx, exec *model.JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.byID[exec.ID] = &cp
	return nil
}

func (m *memExecRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memExecRepo) List(ctx context.Context, tx repository.Tx, limit int) ([]*model.JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.JobExecution
	for _, e := range m.byID {
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memExecRepo) UpdateCounts(ctx context.Context, tx repository.Tx, id string, successful, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.SuccessfulImages = successful
	e.FailedImages = failed
	return nil
}

func (m *memExecRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *memExecRepo) MarkOrphansFailed(ctx context.Context, tx repository.Tx, errMsg string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.byID {
		if !e.Status.Terminal() {
			e.Status = model.ExecutionStatusFailed
			e.ErrorMessage = errMsg
			n++
		}
	}
	return n, nil
}

type memImageRepo struct {
	mu   sync.Mutex
	byID map[string]*model.GeneratedImage
}

func newMemImageRepo() *memImageRepo {
	return &memImageRepo{byID: map[string]*model.GeneratedImage{}}
}

func (m *memImageRepo) Save(ctx context.Context, tx repository.Tx, img *model.GeneratedImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *img
	m.byID[img.ID] = &cp
	return nil
}

func (m *memImageRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.GeneratedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if img, ok := m.byID[id]; ok {
		cp := *img
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memImageRepo) FindByIDs(ctx context.Context, tx repository.Tx, ids []string) ([]*model.GeneratedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.GeneratedImage
	for _, id := range ids {
		if img, ok := m.byID[id]; ok {
			cp := *img
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memImageRepo) ListByStatus(ctx context.Context, tx repository.Tx, status model.QCStatus, limit int) ([]*model.GeneratedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.GeneratedImage
	for _, img := range m.byID {
		if img.QCStatus == status {
			cp := *img
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memImageRepo) UpdateStatus(ctx context.Context, tx repository.Tx, id string, status model.QCStatus, reason model.FailureReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	img.QCStatus = status
	img.Reason = reason
	return nil
}

func (m *memImageRepo) ClaimForRetry(ctx context.Context, tx repository.Tx, id string) (*model.GeneratedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.byID[id]
	if !ok || !img.QCStatus.Retryable() {
		return nil, domain.ErrNotFound
	}
	img.QCStatus = model.QCStatusProcessing
	cp := *img
	return &cp, nil
}

func (m *memImageRepo) BulkDelete(ctx context.Context, tx repository.Tx, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.byID[id]; ok {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

func (m *memImageRepo) Stats(ctx context.Context, tx repository.Tx) (*repository.ImageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &repository.ImageStats{ByStatus: map[model.QCStatus]int64{}}
	for _, img := range m.byID {
		st.Total++
		st.ByStatus[img.QCStatus]++
	}
	return st, nil
}

func (m *memImageRepo) MarkOrphansRetryFailed(ctx context.Context, tx repository.Tx, detail string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, img := range m.byID {
		if img.QCStatus == model.QCStatusPending || img.QCStatus == model.QCStatusProcessing {
			img.QCStatus = model.QCStatusRetryFailed
			img.Reason = model.FailureReason{Kind: model.ReasonProcessing, Detail: detail}
			n++
		}
	}
	return n, nil
}

func (m *memImageRepo) byStatus(status model.QCStatus) []*model.GeneratedImage {
	out, _ := m.ListByStatus(context.Background(), nil, status, 1000)
	return out
}

// fakeGenerator returns scripted batches, one per Generate call. An entry
// with err set fails that call; batch sizes may be shorter than requested to
// exercise the top-up loop.
type fakeGenerator struct {
	mu      sync.Mutex
	script  []fakeBatch
	calls   int
	onCall  func(call int) // invoked before each Generate, for stop tests
	nextSeq int
}

type fakeBatch struct {
	n   int
	err error
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Generate(ctx context.Context, req adapter.GenerateRequest) ([]adapter.GeneratedAsset, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	var batch fakeBatch
	if call < len(f.script) {
		batch = f.script[call]
	} else {
		batch = fakeBatch{n: req.Count}
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if batch.err != nil {
		return nil, batch.err
	}
	n := batch.n
	if n > req.Count {
		n = req.Count
	}
	var assets []adapter.GeneratedAsset
	for i := 0; i < n; i++ {
		f.mu.Lock()
		f.nextSeq++
		seq := f.nextSeq
		f.mu.Unlock()
		assets = append(assets, adapter.GeneratedAsset{
			URL:       fmt.Sprintf("http://img.test/%d", seq),
			MappingID: fmt.Sprintf("map-%04d", seq),
		})
	}
	return assets, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeQC struct {
	mu      sync.Mutex
	verdict func(imagePath string) (adapter.Verdict, error)
	calls   int
}

func (f *fakeQC) Name() string { return "fake-qc" }

func (f *fakeQC) Check(ctx context.Context, imagePath string, qc adapter.QCContext) (adapter.Verdict, error) {
	f.mu.Lock()
	f.calls++
	fn := f.verdict
	f.mu.Unlock()
	if fn != nil {
		return fn(imagePath)
	}
	return adapter.Verdict{Approved: true}, nil
}

type fakeMeta struct {
	err error
}

func (f *fakeMeta) Name() string { return "fake-meta" }

func (f *fakeMeta) Generate(ctx context.Context, imagePath string, mc adapter.MetadataContext) (model.ImageMetadata, error) {
	if f.err != nil {
		return model.ImageMetadata{}, f.err
	}
	return model.ImageMetadata{Title: "t", Description: "d", Tags: []string{"a"}}, nil
}

// fakeProc records the settings it was called with and returns the raw bytes
// unchanged as PNG.
type fakeProc struct {
	mu       sync.Mutex
	err      error
	errOn    int // 1-based call index err applies to; 0 = every call
	settings []model.ProcessingSettings
}

func (f *fakeProc) Process(ctx context.Context, raw []byte, settings model.ProcessingSettings, policy model.FailPolicy) (*imaging.Result, error) {
	f.mu.Lock()
	f.settings = append(f.settings, settings)
	call := len(f.settings)
	err := f.err
	f.mu.Unlock()
	if err != nil && (f.errOn == 0 || f.errOn == call) {
		return nil, err
	}
	return &imaging.Result{Data: raw, Ext: "png"}, nil
}

func (f *fakeProc) seen() []model.ProcessingSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ProcessingSettings(nil), f.settings...)
}

// memStore keeps temp and final blobs in maps keyed by synthetic paths.
type memStore struct {
	mu     sync.Mutex
	temp   map[string][]byte
	final  map[string][]byte
	dlErr  error
	sawDel []string
}

func newMemStore() *memStore {
	return &memStore{temp: map[string][]byte{}, final: map[string][]byte{}}
}

func (m *memStore) Download(ctx context.Context, url, mappingID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dlErr != nil {
		return "", m.dlErr
	}
	path := "temp/" + mappingID + ".png"
	m.temp[path] = []byte(url)
	return path, nil
}

func (m *memStore) WriteTemp(mappingID string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := "temp/" + mappingID + ".png"
	m.temp[path] = data
	return path, nil
}

func (m *memStore) ReadTemp(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.temp[path]
	if !ok {
		return nil, fmt.Errorf("no temp file %s", path)
	}
	return data, nil
}

func (m *memStore) WriteFinal(mappingID, ext string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := "final/" + mappingID + "." + ext
	m.final[path] = data
	return path, nil
}

func (m *memStore) RemoveFinal(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.final, path)
	m.sawDel = append(m.sawDel, path)
	return nil
}

// captureBus records everything published.
type captureBus struct {
	mu     sync.Mutex
	events []model.Event
}

func (b *captureBus) Publish(kind model.EventKind, data interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, model.Event{Kind: kind, Data: data})
}

func (b *captureBus) byKind(kind model.EventKind) []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Event
	for _, e := range b.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

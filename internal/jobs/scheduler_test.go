package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/nowplaying/internal/service"
)

// fakeReconciler records the order of calls and fails the named steps.
type fakeReconciler struct {
	calls []string
	fail  map[string]error
}

func (f *fakeReconciler) step(name string) error {
	f.calls = append(f.calls, name)
	return f.fail[name]
}

func (f *fakeReconciler) FindOrphans(context.Context) (*service.OrphanReport, error) {
	if err := f.step("FindOrphans"); err != nil {
		return nil, err
	}
	return &service.OrphanReport{}, nil
}

func (f *fakeReconciler) RepairLinks(_ context.Context, _ *service.OrphanReport) (*service.RepairReport, error) {
	if err := f.step("RepairLinks"); err != nil {
		return nil, err
	}
	return &service.RepairReport{Fixed: 2, Errors: []string{}}, nil
}

func (f *fakeReconciler) FindDuplicatePreferences(context.Context) ([]service.DuplicateGroup, error) {
	if err := f.step("FindDuplicatePreferences"); err != nil {
		return nil, err
	}
	return []service.DuplicateGroup{}, nil
}

func (f *fakeReconciler) ResolveDuplicates(_ context.Context, _ []service.DuplicateGroup) (*service.DedupReport, error) {
	if err := f.step("ResolveDuplicates"); err != nil {
		return nil, err
	}
	return &service.DedupReport{DeletedCount: 3, Errors: []string{}}, nil
}

func (f *fakeReconciler) SyncExternalIDs(context.Context) (*service.RepairReport, error) {
	if err := f.step("SyncExternalIDs"); err != nil {
		return nil, err
	}
	return &service.RepairReport{Fixed: 1, Errors: []string{}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnce_Order(t *testing.T) {
	rec := &fakeReconciler{}
	s, err := NewScheduler(rec, "", discardLogger())
	require.NoError(t, err)

	summary := s.RunOnce(context.Background())

	assert.Equal(t, []string{
		"FindOrphans", "RepairLinks",
		"FindDuplicatePreferences", "ResolveDuplicates",
		"SyncExternalIDs",
	}, rec.calls)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 2, summary.Repair.Fixed)
	assert.Equal(t, 3, summary.Dedup.DeletedCount)
	assert.Equal(t, 1, summary.Sync.Fixed)
}

func TestRunOnce_FailedStepDoesNotStopTheRun(t *testing.T) {
	rec := &fakeReconciler{fail: map[string]error{
		"FindOrphans":       errors.New("store offline"),
		"ResolveDuplicates": errors.New("boom"),
	}}
	s, err := NewScheduler(rec, "", discardLogger())
	require.NoError(t, err)

	summary := s.RunOnce(context.Background())

	assert.Equal(t, []string{
		"FindOrphans",
		"FindDuplicatePreferences", "ResolveDuplicates",
		"SyncExternalIDs",
	}, rec.calls, "RepairLinks is skipped without an orphan report")
	assert.Nil(t, summary.Repair)
	assert.Nil(t, summary.Dedup)
	require.NotNil(t, summary.Sync)
	assert.Equal(t, []string{
		"find_orphans: store offline",
		"resolve_duplicates: boom",
	}, summary.Errors)
}

func TestNewScheduler(t *testing.T) {
	s, err := NewScheduler(&fakeReconciler{}, "", discardLogger())
	require.NoError(t, err)
	assert.Nil(t, s.cron)
	// Start and Stop are no-ops without a schedule.
	s.Start()
	s.Stop(context.Background())

	s, err = NewScheduler(&fakeReconciler{}, "@every 1h", discardLogger())
	require.NoError(t, err)
	require.NotNil(t, s.cron)
	assert.Len(t, s.cron.Entries(), 1)
	s.Start()
	s.Stop(context.Background())

	_, err = NewScheduler(&fakeReconciler{}, "every tuesday", discardLogger())
	require.Error(t, err)
}

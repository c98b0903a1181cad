package categorization

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/example/expense-core/internal/cache"
	"github.com/example/expense-core/internal/llmgateway"
	"github.com/example/expense-core/internal/obs"
)

type fakeCache struct {
	entries map[string]*cache.Entry
	touched []string
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string]*cache.Entry{}} }

func (f *fakeCache) Lookup(ctx context.Context, fp string) (*cache.Entry, bool) {
	e, ok := f.entries[fp]
	return e, ok
}

func (f *fakeCache) Insert(ctx context.Context, e *cache.Entry) (*cache.Entry, error) {
	f.entries[e.Fingerprint] = e
	return e, nil
}

func (f *fakeCache) Touch(ctx context.Context, id string) { f.touched = append(f.touched, id) }

type fakeAffinity struct {
	dominant map[string]string
}

func (f *fakeAffinity) Dominant(ctx context.Context, vendor string) (string, float64, bool) {
	if a, ok := f.dominant[vendor]; ok {
		return a, 0.95, true
	}
	return "", 0, false
}

type fakeClassifier struct {
	account    string
	confidence int
}

func (f *fakeClassifier) Predict(description, stage string) (string, int) {
	return f.account, f.confidence
}

type fakeGateway struct {
	smallResponse json.RawMessage
	smallErr      error
	largeResponse json.RawMessage
}

func (f *fakeGateway) ClassifySmall(ctx context.Context, prompt string, schema json.RawMessage) (*llmgateway.Result, error) {
	if f.smallErr != nil {
		return nil, f.smallErr
	}
	return &llmgateway.Result{Value: f.smallResponse}, nil
}

func (f *fakeGateway) AnalyzeLarge(ctx context.Context, prompt string, images []string, schema json.RawMessage) (*llmgateway.Result, error) {
	return &llmgateway.Result{Value: f.largeResponse}, nil
}

type fakeChart struct{}

func (fakeChart) AccountOptions(ctx context.Context, project, stage string) ([]AccountOption, error) {
	return []AccountOption{{ID: "5010", Name: "Materials"}}, nil
}

func (fakeChart) RecentCorrections(ctx context.Context, project, stage string, limit int) ([]Correction, error) {
	return nil, nil
}

func testLog() *obs.Log { return obs.NewLog(nil, nil) }

func TestCategorizeReturnsCacheHit(t *testing.T) {
	fp := cache.Fingerprint("drywall screws", "intake")
	c := newFakeCache()
	c.entries[fp] = &cache.Entry{ID: "e1", Fingerprint: fp, Account: "5010", Confidence: 95}

	engine := New(c, &fakeAffinity{}, &fakeClassifier{}, &fakeGateway{}, fakeChart{}, 70, nil, nil, testLog())
	decisions, agg := engine.Categorize(context.Background(), []Row{{RowIndex: 0, Description: "drywall screws", Stage: "intake"}})

	if decisions[0].Source != SourceCache || decisions[0].Account != "5010" {
		t.Fatalf("got %+v", decisions[0])
	}
	if agg.CacheHits != 1 {
		t.Fatalf("CacheHits = %d, want 1", agg.CacheHits)
	}
	if len(c.touched) != 1 {
		t.Fatalf("expected cache touch")
	}
}

func TestCategorizeFallsThroughToAffinity(t *testing.T) {
	engine := New(newFakeCache(), &fakeAffinity{dominant: map[string]string{"home-depot": "5010"}}, &fakeClassifier{}, &fakeGateway{}, fakeChart{}, 70, nil, nil, testLog())
	decisions, _ := engine.Categorize(context.Background(), []Row{{RowIndex: 0, Description: "lumber", Stage: "intake", Vendor: "home-depot"}})

	if decisions[0].Source != SourceAffinity || decisions[0].Account != "5010" {
		t.Fatalf("got %+v", decisions[0])
	}
}

func TestCategorizeFallsThroughToML(t *testing.T) {
	engine := New(newFakeCache(), &fakeAffinity{}, &fakeClassifier{account: "5020", confidence: 92}, &fakeGateway{}, fakeChart{}, 70, nil, nil, testLog())
	decisions, _ := engine.Categorize(context.Background(), []Row{{RowIndex: 0, Description: "diesel", Stage: "intake"}})

	if decisions[0].Source != SourceML || decisions[0].Account != "5020" {
		t.Fatalf("got %+v", decisions[0])
	}
}

func TestCategorizeFallsThroughToLLMSmall(t *testing.T) {
	resp, _ := json.Marshal(llmResponse{Account: "5030", AccountName: "Fuel", Confidence: 80, Reasoning: "matches fuel vendor"})
	engine := New(newFakeCache(), &fakeAffinity{}, &fakeClassifier{confidence: 10}, &fakeGateway{smallResponse: resp}, fakeChart{}, 70, nil, nil, testLog())
	decisions, agg := engine.Categorize(context.Background(), []Row{{RowIndex: 0, Description: "gasoline", Stage: "intake"}})

	if decisions[0].Source != SourceLLMSmall || decisions[0].Account != "5030" {
		t.Fatalf("got %+v", decisions[0])
	}
	if agg.Below70 != 0 {
		t.Fatalf("Below70 = %d, want 0", agg.Below70)
	}
}

func TestCategorizeEscalatesToLLMLargeOnLowSmallConfidence(t *testing.T) {
	smallResp, _ := json.Marshal(llmResponse{Account: "5030", Confidence: 40})
	largeResp, _ := json.Marshal(llmResponse{Account: "5040", Confidence: 55, Reasoning: "best guess"})
	engine := New(newFakeCache(), &fakeAffinity{}, &fakeClassifier{confidence: 10},
		&fakeGateway{smallResponse: smallResp, largeResponse: largeResp}, fakeChart{}, 70, nil, nil, testLog())
	decisions, _ := engine.Categorize(context.Background(), []Row{{RowIndex: 0, Description: "misc supplies", Stage: "intake"}})

	if decisions[0].Source != SourceLLMLarge || decisions[0].Account != "5040" {
		t.Fatalf("got %+v", decisions[0])
	}
}

func TestCategorizePowerToolWithoutQualifierGetsZeroConfidenceWarning(t *testing.T) {
	engine := New(newFakeCache(), &fakeAffinity{}, &fakeClassifier{}, &fakeGateway{}, fakeChart{}, 70,
		[]string{"drill"}, []string{"bit", "battery"}, testLog())
	decisions, _ := engine.Categorize(context.Background(), []Row{{RowIndex: 0, Description: "cordless drill", Stage: "intake"}})

	if decisions[0].Confidence != 0 || decisions[0].Warning == "" {
		t.Fatalf("got %+v", decisions[0])
	}
}

func TestCategorizePowerToolWithQualifierIsNotFlagged(t *testing.T) {
	engine := New(newFakeCache(), &fakeAffinity{}, &fakeClassifier{account: "5050", confidence: 91}, &fakeGateway{}, fakeChart{}, 70,
		[]string{"drill"}, []string{"bit", "battery"}, testLog())
	decisions, _ := engine.Categorize(context.Background(), []Row{{RowIndex: 0, Description: "drill bit set", Stage: "intake"}})

	if decisions[0].Warning != "" {
		t.Fatalf("expected no warning, got %+v", decisions[0])
	}
}

func TestCategorizeReplaysSharedFingerprintWithinBatch(t *testing.T) {
	engine := New(newFakeCache(), &fakeAffinity{}, &fakeClassifier{account: "5010", confidence: 95}, &fakeGateway{}, fakeChart{}, 70, nil, nil, testLog())
	rows := []Row{
		{RowIndex: 0, Description: "drywall screws", Stage: "intake"},
		{RowIndex: 1, Description: "drywall screws", Stage: "intake"},
	}
	decisions, _ := engine.Categorize(context.Background(), rows)

	if decisions[0].Account != decisions[1].Account || decisions[1].Source != SourceML {
		t.Fatalf("expected replayed decision, got %+v and %+v", decisions[0], decisions[1])
	}
}

// Package categorization implements the Categorization Engine (spec §4.5):
// it escalates each description through cache, affinity, ML, and LLM tiers
// in order, stopping at the first tier that succeeds.
package categorization

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/expense-core/internal/cache"
	"github.com/example/expense-core/internal/llmgateway"
	"github.com/example/expense-core/internal/mlclassify"
	"github.com/example/expense-core/internal/obs"
)

// cacheStore is the subset of *cache.Store the engine needs; narrowed to an
// interface so the cascade can be tested without a live database.
type cacheStore interface {
	Lookup(ctx context.Context, fingerprint string) (*cache.Entry, bool)
	Insert(ctx context.Context, e *cache.Entry) (*cache.Entry, error)
	Touch(ctx context.Context, id string)
}

// affinityIndex is the subset of *affinity.Index the engine needs.
type affinityIndex interface {
	Dominant(ctx context.Context, vendor string) (account string, ratio float64, ok bool)
}

// classifier is the subset of *mlclassify.Classifier the engine needs.
type classifier interface {
	Predict(description, stage string) (account string, confidence int)
}

// gateway is the subset of *llmgateway.Gateway the engine needs.
type gateway interface {
	ClassifySmall(ctx context.Context, prompt string, schema json.RawMessage) (*llmgateway.Result, error)
	AnalyzeLarge(ctx context.Context, prompt string, images []string, schema json.RawMessage) (*llmgateway.Result, error)
}

// Source names the tier that produced a row's account assignment.
type Source string

const (
	SourceCache    Source = "cache"
	SourceAffinity Source = "affinity"
	SourceML       Source = "ml"
	SourceLLMSmall Source = "llm_small"
	SourceLLMLarge Source = "llm_large"
)

// Row is one input line to categorize.
type Row struct {
	RowIndex    int
	Description string
	Stage       string
	Vendor      string
	Project     string
}

// Decision is one row's categorization outcome.
type Decision struct {
	RowIndex    int
	Account     string
	AccountName string
	Confidence  int
	Source      Source
	Reasoning   string
	Warning     string
}

// Aggregate summarizes a single Categorize call across all rows.
type Aggregate struct {
	CacheHits     int
	CacheMisses   int
	LLMTokensUsed int
	ElapsedMS     int64
	Below70       int
	Below60       int
	Below50       int
}

// AccountOption is one entry in the account list the LLM tiers choose from.
type AccountOption struct {
	ID   string
	Name string
}

// Correction is one recent human correction supplied as LLM context.
type Correction struct {
	Description string
	Account     string
}

// chartSource supplies the ordered account list and recent corrections the
// LLM tiers need as prompt context.
type chartSource interface {
	AccountOptions(ctx context.Context, project, stage string) ([]AccountOption, error)
	RecentCorrections(ctx context.Context, project, stage string, limit int) ([]Correction, error)
}

// Engine orchestrates the escalation cascade.
type Engine struct {
	cacheStore  cacheStore
	affinity    affinityIndex
	classifier  classifier
	gateway     gateway
	chart       chartSource
	minConfidence int
	powerToolLexicon    []string
	powerToolQualifiers []string
	log *obs.Log
}

// New builds an Engine from its escalation-tier collaborators.
func New(cacheStore cacheStore, aff affinityIndex, classifier classifier, gateway gateway, chart chartSource, minConfidence int, powerToolLexicon, powerToolQualifiers []string, log *obs.Log) *Engine {
	return &Engine{
		cacheStore: cacheStore, affinity: aff, classifier: classifier, gateway: gateway,
		chart: chart, minConfidence: minConfidence,
		powerToolLexicon: powerToolLexicon, powerToolQualifiers: powerToolQualifiers, log: log,
	}
}

// Categorize runs the escalation cascade over rows, replaying a single
// result to every row that shares a fingerprint within this call (spec:
// "if multiple rows share the same fingerprint within a single call,
// process once and replay the result to all").
func (e *Engine) Categorize(ctx context.Context, rows []Row) ([]Decision, Aggregate) {
	start := time.Now()
	var agg Aggregate
	decisions := make([]Decision, len(rows))
	byFingerprint := make(map[string]Decision)

	for _, row := range rows {
		fp := cache.Fingerprint(row.Description, row.Stage)

		if powerTool, warning := e.powerToolCheck(row.Description); powerTool {
			d := Decision{RowIndex: row.RowIndex, Confidence: 0, Warning: warning}
			decisions[row.RowIndex] = d
			bucketConfidence(&agg, 0)
			continue
		}

		if prior, ok := byFingerprint[fp]; ok {
			d := prior
			d.RowIndex = row.RowIndex
			decisions[row.RowIndex] = d
			bucketConfidence(&agg, d.Confidence)
			continue
		}

		d := e.categorizeOne(ctx, row, fp, &agg)
		d.RowIndex = row.RowIndex
		decisions[row.RowIndex] = d
		byFingerprint[fp] = d
		bucketConfidence(&agg, d.Confidence)
	}

	agg.ElapsedMS = time.Since(start).Milliseconds()
	return decisions, agg
}

func (e *Engine) categorizeOne(ctx context.Context, row Row, fp string, agg *Aggregate) Decision {
	// Tier 1: cache.
	if entry, ok := e.cacheStore.Lookup(ctx, fp); ok {
		agg.CacheHits++
		e.cacheStore.Touch(ctx, entry.ID)
		return Decision{Account: entry.Account, AccountName: entry.AccountName, Confidence: entry.Confidence, Source: SourceCache, Reasoning: entry.Reasoning}
	}
	agg.CacheMisses++

	// Tier 2: affinity.
	if row.Vendor != "" {
		if account, ratio, ok := e.affinity.Dominant(ctx, row.Vendor); ok {
			return Decision{Account: account, Confidence: int(math.Round(100 * ratio)), Source: SourceAffinity, Reasoning: "dominant vendor-account affinity"}
		}
	}

	// Tier 3: ML classifier.
	if account, confidence := e.classifier.Predict(row.Description, row.Stage); confidence >= 90 && account != "" {
		e.cacheWrite(ctx, fp, row.Stage, account, "", confidence, "ml classifier prediction")
		return Decision{Account: account, Confidence: confidence, Source: SourceML, Reasoning: "ml classifier prediction"}
	}

	// Tier 4: LLM small.
	if d, ok := e.tryLLM(ctx, row, fp, llmgateway.TierSmall, agg); ok {
		return d
	}

	// Tier 5: LLM large — always accepted, even at low confidence.
	if d, ok := e.tryLLM(ctx, row, fp, llmgateway.TierLarge, agg); ok {
		return d
	}

	return Decision{Warning: "exhausted"}
}

type llmResponse struct {
	Account     string `json:"account"`
	AccountName string `json:"account_name"`
	Confidence  int    `json:"confidence"`
	Reasoning   string `json:"reasoning"`
}

func (e *Engine) tryLLM(ctx context.Context, row Row, fp string, tier llmgateway.Tier, agg *Aggregate) (Decision, bool) {
	options, err := e.chart.AccountOptions(ctx, row.Project, row.Stage)
	if err != nil {
		e.log.WithError(err).Warn("failed to load account options for llm categorization")
		return Decision{}, false
	}
	corrections, err := e.chart.RecentCorrections(ctx, row.Project, row.Stage, 5)
	if err != nil {
		corrections = nil
	}
	prompt := buildPrompt(row, options, corrections)

	var result *llmgateway.Result
	var callErr error
	source := SourceLLMSmall
	if tier == llmgateway.TierLarge {
		source = SourceLLMLarge
		result, callErr = e.gateway.AnalyzeLarge(ctx, prompt, nil, categorizationSchema)
	} else {
		result, callErr = e.gateway.ClassifySmall(ctx, prompt, categorizationSchema)
	}
	if callErr != nil {
		e.log.WithError(callErr).Warn(fmt.Sprintf("%s tier categorization call failed", tier))
		return Decision{}, false
	}
	agg.LLMTokensUsed += result.Usage.TotalTokens

	var parsed llmResponse
	if err := json.Unmarshal(result.Value, &parsed); err != nil {
		e.log.WithError(err).Warn("llm categorization response did not match schema")
		return Decision{}, false
	}

	if tier == llmgateway.TierSmall && parsed.Confidence < e.minConfidence {
		return Decision{}, false
	}

	e.cacheWrite(ctx, fp, row.Stage, parsed.Account, parsed.AccountName, parsed.Confidence, parsed.Reasoning)
	return Decision{
		Account: parsed.Account, AccountName: parsed.AccountName,
		Confidence: parsed.Confidence, Source: source, Reasoning: parsed.Reasoning,
	}, true
}

func (e *Engine) cacheWrite(ctx context.Context, fp, stage, account, accountName string, confidence int, reasoning string) {
	entry := &cache.Entry{
		ID: uuid.NewString(), Fingerprint: fp, Stage: stage,
		Account: account, AccountName: accountName, Confidence: confidence, Reasoning: reasoning,
	}
	if _, err := e.cacheStore.Insert(ctx, entry); err != nil {
		e.log.WithError(err).Warn("categorization cache write failed")
	}
}

var powerToolWord = regexp.MustCompile(`[a-z]+`)

// powerToolCheck reports whether description matches the power-tool
// lexicon without a qualifier, per spec §4.5 ("power tools ... receive
// confidence 0 and a warning; they must not auto-post as consumables").
func (e *Engine) powerToolCheck(description string) (bool, string) {
	norm := strings.ToLower(description)
	words := powerToolWord.FindAllString(norm, -1)
	wordSet := make(map[string]struct{}, len(words))
	for _, w := range words {
		wordSet[w] = struct{}{}
	}
	matched := false
	for _, tool := range e.powerToolLexicon {
		if _, ok := wordSet[tool]; ok {
			matched = true
			break
		}
	}
	if !matched {
		return false, ""
	}
	for _, qualifier := range e.powerToolQualifiers {
		if _, ok := wordSet[qualifier]; ok {
			return false, ""
		}
	}
	return true, "power tool without accessory qualifier, must not auto-post as consumable"
}

func bucketConfidence(agg *Aggregate, confidence int) {
	if confidence < 70 {
		agg.Below70++
	}
	if confidence < 60 {
		agg.Below60++
	}
	if confidence < 50 {
		agg.Below50++
	}
}

func buildPrompt(row Row, options []AccountOption, corrections []Correction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage: %s\ndescription: %s\naccounts:\n", row.Stage, row.Description)
	for _, o := range options {
		fmt.Fprintf(&b, "- %s: %s\n", o.ID, o.Name)
	}
	if len(corrections) > 0 {
		b.WriteString("recent corrections:\n")
		for _, c := range corrections {
			fmt.Fprintf(&b, "- %q -> %s\n", c.Description, c.Account)
		}
	}
	return b.String()
}

var categorizationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "account": {"type": "string"},
    "account_name": {"type": "string"},
    "confidence": {"type": "integer", "minimum": 0, "maximum": 100},
    "reasoning": {"type": "string"}
  },
  "required": ["account", "confidence"]
}`)

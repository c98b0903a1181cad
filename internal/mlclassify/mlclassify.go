// Package mlclassify implements the ML Classifier (spec §4.4): a
// multinomial-naive-Bayes text classifier over word n-grams, trained on
// human-verified categorization history and retrained on a fixed cadence.
//
// No text-classification library appears anywhere in the retrieval pack for
// this service, so this stays on the standard library by design — there is
// nothing in the corpus to ground a third-party choice on.
package mlclassify

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
)

// Example is one training row: a human-verified (description, stage) ->
// account assignment (spec: "trained on expenses where
// categorization_source in {manual, cache} and confidence >= 90").
type Example struct {
	Description string
	Stage       string
	Account     string
}

var wordSplit = regexp.MustCompile(`[^a-z0-9]+`)

// tokenize turns a description+stage into the n-gram feature set: word
// unigrams and bigrams over the normalized description, plus the stage
// token (spec: "features: word n-grams over normalized description plus
// stage token").
func tokenize(description, stage string) []string {
	norm := strings.ToLower(strings.TrimSpace(description))
	words := wordSplit.Split(norm, -1)
	features := make([]string, 0, len(words)*2+1)
	for _, w := range words {
		if w == "" {
			continue
		}
		features = append(features, "w:"+w)
	}
	for i := 0; i+1 < len(words); i++ {
		if words[i] == "" || words[i+1] == "" {
			continue
		}
		features = append(features, "b:"+words[i]+"_"+words[i+1])
	}
	features = append(features, "stage:"+stage)
	return features
}

type classModel struct {
	classPriorLog map[string]float64
	// wordCountLog[class][token] is the Laplace-smoothed log-likelihood of
	// token under class.
	wordCountLog map[string]map[string]float64
	defaultLog   map[string]float64 // fallback log-likelihood for unseen tokens, per class
	vocabSize    int
	classes      []string
	trained      bool
}

// Classifier predicts accounts from free text. Safe for concurrent use: a
// retrain swaps an immutable model pointer rather than mutating state
// readers observe.
type Classifier struct {
	model   atomic.Pointer[classModel]
	version atomic.Int64
}

// New returns an untrained Classifier; Predict returns confidence 0 until
// Train is called, per spec ("if the training set is empty ... return
// confidence 0").
func New() *Classifier {
	c := &Classifier{}
	c.model.Store(&classModel{trained: false})
	return c
}

// Train rebuilds the model from examples, replacing the live model
// atomically and bumping version. Called on the retrain cadence (every six
// hours) or on explicit request.
func (c *Classifier) Train(examples []Example) {
	if len(examples) == 0 {
		c.model.Store(&classModel{trained: false})
		c.version.Add(1)
		return
	}

	classDocCount := map[string]int{}
	wordCount := map[string]map[string]int{}
	classTotalWords := map[string]int{}
	vocab := map[string]struct{}{}

	for _, ex := range examples {
		if ex.Account == "" {
			continue
		}
		classDocCount[ex.Account]++
		if wordCount[ex.Account] == nil {
			wordCount[ex.Account] = map[string]int{}
		}
		for _, tok := range tokenize(ex.Description, ex.Stage) {
			wordCount[ex.Account][tok]++
			classTotalWords[ex.Account]++
			vocab[tok] = struct{}{}
		}
	}

	if len(classDocCount) == 0 {
		c.model.Store(&classModel{trained: false})
		c.version.Add(1)
		return
	}

	totalDocs := 0
	classes := make([]string, 0, len(classDocCount))
	for account, n := range classDocCount {
		totalDocs += n
		classes = append(classes, account)
	}
	sort.Strings(classes)

	vocabSize := len(vocab)
	m := &classModel{
		classPriorLog: make(map[string]float64, len(classes)),
		wordCountLog:  make(map[string]map[string]float64, len(classes)),
		defaultLog:    make(map[string]float64, len(classes)),
		vocabSize:     vocabSize,
		classes:       classes,
		trained:       true,
	}
	for _, account := range classes {
		m.classPriorLog[account] = math.Log(float64(classDocCount[account]) / float64(totalDocs))
		denom := float64(classTotalWords[account] + vocabSize) // Laplace smoothing
		m.defaultLog[account] = math.Log(1.0 / denom)
		tokLog := make(map[string]float64, len(wordCount[account]))
		for tok, n := range wordCount[account] {
			tokLog[tok] = math.Log(float64(n+1) / denom)
		}
		m.wordCountLog[account] = tokLog
	}

	c.model.Store(m)
	c.version.Add(1)
}

// Predict returns the best-matching account and a confidence 0-100 derived
// from the margin between the top two classes' posterior probabilities, not
// raw log-likelihood distance.
func (c *Classifier) Predict(description, stage string) (account string, confidence int) {
	m := c.model.Load()
	if !m.trained || len(m.classes) == 0 {
		return "", 0
	}
	tokens := tokenize(description, stage)

	scores := make(map[string]float64, len(m.classes))
	for _, class := range m.classes {
		score := m.classPriorLog[class]
		tokLog := m.wordCountLog[class]
		for _, tok := range tokens {
			if lp, ok := tokLog[tok]; ok {
				score += lp
			} else {
				score += m.defaultLog[class]
			}
		}
		scores[class] = score
	}

	probs := softmax(scores)
	type scored struct {
		class string
		prob  float64
	}
	ranked := make([]scored, 0, len(probs))
	for class, p := range probs {
		ranked = append(ranked, scored{class, p})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].prob > ranked[j].prob })

	top := ranked[0]
	margin := top.prob
	if len(ranked) > 1 {
		margin = top.prob - ranked[1].prob
	}
	conf := int(math.Round(margin * 100))
	if conf < 0 {
		conf = 0
	}
	if conf > 100 {
		conf = 100
	}
	return top.class, conf
}

// Version returns the current trained-model generation number, bumped on
// every Train call (including trains that yield an empty model).
func (c *Classifier) Version() int64 {
	return c.version.Load()
}

func softmax(scores map[string]float64) map[string]float64 {
	max := math.Inf(-1)
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	sum := 0.0
	exps := make(map[string]float64, len(scores))
	for k, s := range scores {
		e := math.Exp(s - max)
		exps[k] = e
		sum += e
	}
	out := make(map[string]float64, len(scores))
	for k, e := range exps {
		out[k] = e / sum
	}
	return out
}

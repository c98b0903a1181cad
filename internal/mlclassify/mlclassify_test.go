package mlclassify

import "testing"

func TestPredictReturnsZeroConfidenceWhenUntrained(t *testing.T) {
	c := New()
	account, conf := c.Predict("drywall screws", "intake")
	if account != "" || conf != 0 {
		t.Fatalf("got %q, %d; want \"\", 0", account, conf)
	}
}

func TestPredictReturnsZeroConfidenceOnEmptyTrainingSet(t *testing.T) {
	c := New()
	c.Train(nil)
	account, conf := c.Predict("drywall screws", "intake")
	if account != "" || conf != 0 {
		t.Fatalf("got %q, %d; want \"\", 0", account, conf)
	}
}

func TestPredictFavorsDistinctVocabulary(t *testing.T) {
	c := New()
	c.Train([]Example{
		{Description: "drywall screws box", Stage: "intake", Account: "materials"},
		{Description: "drywall screws bulk", Stage: "intake", Account: "materials"},
		{Description: "drywall anchors", Stage: "intake", Account: "materials"},
		{Description: "diesel fuel fill up", Stage: "intake", Account: "fuel"},
		{Description: "diesel fuel truck", Stage: "intake", Account: "fuel"},
		{Description: "gasoline fill up", Stage: "intake", Account: "fuel"},
	})

	account, conf := c.Predict("drywall screws", "intake")
	if account != "materials" {
		t.Fatalf("got account %q, want materials", account)
	}
	if conf <= 0 {
		t.Fatalf("expected positive confidence, got %d", conf)
	}
}

func TestVersionIncrementsOnTrain(t *testing.T) {
	c := New()
	v0 := c.Version()
	c.Train([]Example{{Description: "a", Stage: "intake", Account: "x"}})
	if c.Version() != v0+1 {
		t.Fatalf("version = %d, want %d", c.Version(), v0+1)
	}
}

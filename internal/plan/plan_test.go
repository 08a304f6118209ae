package plan

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	pf := &File{
		Version: 1,
		Jobs: []Entry{
			{Job: &Job{Targets: []string{"alice"}}},
		},
	}
	if err := pf.Validate(); err != nil {
		t.Fatalf("expected plan to validate: %v", err)
	}

	missingVersion := &File{Jobs: []Entry{{Job: &Job{Targets: []string{"a"}}}}}
	if err := missingVersion.Validate(); err == nil {
		t.Fatalf("expected missing version to fail validation")
	}

	noTargets := &File{Version: 1, Jobs: []Entry{{Job: &Job{Targets: []string{"@", " "}}}}}
	if err := noTargets.Validate(); err == nil {
		t.Fatalf("expected job without usable targets to fail validation")
	}

	both := &File{Version: 1, Jobs: []Entry{{Job: &Job{Targets: []string{"a"}}, Group: &Group{}}}}
	if err := both.Validate(); err == nil {
		t.Fatalf("expected entry with job and group to fail validation")
	}

	zero := 0
	badMax := &File{Version: 1, Jobs: []Entry{{Job: &Job{Targets: []string{"a"}, MaxTweets: &zero}}}}
	if err := badMax.Validate(); err == nil {
		t.Fatalf("expected non-positive max_tweets to fail validation")
	}

	emptyGroup := &File{Version: 1, Jobs: []Entry{{Group: &Group{Name: "g"}}}}
	if err := emptyGroup.Validate(); err == nil {
		t.Fatalf("expected empty group to fail validation")
	}
}

func TestDefaultsAndRequests(t *testing.T) {
	data := []byte(`
version: 1
defaults:
  process_articles: true
  max_tweets: 50
  scraper_account: main
jobs:
  - job:
      targets: ["@Alice", "bob"]
      max_tweets: 10
  - group:
      name: news
      scraper_account: news-bot
      jobs:
        - targets: [reuters]
        - targets: [ap]
          process_articles: false
`)
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	f.ApplyDefaults()
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	reqs := f.Requests()
	if len(reqs) != 3 {
		t.Fatalf("Requests() returned %d, want 3", len(reqs))
	}

	first := reqs[0]
	if len(first.TargetUsernames) != 2 || first.TargetUsernames[0] != "alice" {
		t.Errorf("TargetUsernames = %v, want [alice bob]", first.TargetUsernames)
	}
	if first.MaxTweets == nil || *first.MaxTweets != 10 {
		t.Errorf("MaxTweets = %v, want 10", first.MaxTweets)
	}
	if first.ScraperAccount != "main" || !first.ProcessArticles {
		t.Errorf("defaults not applied: %+v", first)
	}

	if reqs[1].ScraperAccount != "news-bot" {
		t.Errorf("group ScraperAccount = %q, want news-bot", reqs[1].ScraperAccount)
	}
	if reqs[1].MaxTweets == nil || *reqs[1].MaxTweets != 50 {
		t.Errorf("group job MaxTweets = %v, want 50", reqs[1].MaxTweets)
	}
	if reqs[2].ProcessArticles {
		t.Errorf("explicit process_articles: false was overridden")
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(path, []byte("version: 1\njobs:\n  - job:\n      targets: [x]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(f.Requests()) != 1 {
		t.Errorf("Requests() = %v, want one request", f.Requests())
	}

	if _, err := ReadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("ReadFile() on missing file returned nil error")
	}
}

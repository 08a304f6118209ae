package plan

import (
	"fmt"
	"os"

	"github.com/osteele/jobwatch/internal/api"
	"gopkg.in/yaml.v3"
)

// File represents a parsed job plan file
type File struct {
	Version  int64     `yaml:"version"`
	Defaults *Defaults `yaml:"defaults"`
	Jobs     []Entry   `yaml:"jobs"`
}

// Defaults contains values applied to every job that leaves them unset
type Defaults struct {
	ProcessArticles *bool  `yaml:"process_articles"`
	MaxTweets       *int   `yaml:"max_tweets"`
	ScraperAccount  string `yaml:"scraper_account"`
}

// Entry represents one item in the plan jobs list
type Entry struct {
	Job   *Job   `yaml:"job"`
	Group *Group `yaml:"group"`
}

// Job represents a single job specification
type Job struct {
	Name            string   `yaml:"name"`
	Targets         []string `yaml:"targets"`
	ProcessArticles *bool    `yaml:"process_articles"`
	MaxTweets       *int     `yaml:"max_tweets"`
	ScraperAccount  string   `yaml:"scraper_account"`
}

// Group is a block of jobs sharing settings. Settings on a job win over the
// group's, which win over the file defaults.
type Group struct {
	Name            string `yaml:"name"`
	ProcessArticles *bool  `yaml:"process_articles"`
	MaxTweets       *int   `yaml:"max_tweets"`
	ScraperAccount  string `yaml:"scraper_account"`
	Jobs            []Job  `yaml:"jobs"`
}

// Decode parses the YAML data into a plan File
func Decode(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ReadFile decodes, defaults and validates the plan at path
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	f, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	f.ApplyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate ensures the plan file contains supported constructs
func (f *File) Validate() error {
	if f.Version != 1 {
		if f.Version == 0 {
			return fmt.Errorf("plan file missing required version: set version: 1")
		}
		return fmt.Errorf("unsupported plan version %d", f.Version)
	}
	if len(f.Jobs) == 0 {
		return fmt.Errorf("plan must contain at least one job entry")
	}
	for i, entry := range f.Jobs {
		if err := entry.validate(fmt.Sprintf("jobs[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDefaults pushes group settings and then file defaults down into
// every job that leaves them unset
func (f *File) ApplyDefaults() {
	var d Defaults
	if f.Defaults != nil {
		d = *f.Defaults
	}
	for i := range f.Jobs {
		f.Jobs[i].applyDefaults(d)
	}
}

// Requests flattens the plan into create requests, in file order
func (f *File) Requests() []api.CreateRequest {
	var reqs []api.CreateRequest
	for _, e := range f.Jobs {
		if e.Job != nil {
			reqs = append(reqs, e.Job.request())
		}
		if e.Group != nil {
			for _, j := range e.Group.Jobs {
				reqs = append(reqs, j.request())
			}
		}
	}
	return reqs
}

func (e *Entry) validate(path string) error {
	switch {
	case e.Job == nil && e.Group == nil:
		return fmt.Errorf("%s must contain job or group", path)
	case e.Job != nil && e.Group != nil:
		return fmt.Errorf("%s cannot contain both job and group", path)
	case e.Job != nil:
		return e.Job.validate(path + ".job")
	default:
		return e.Group.validate(path + ".group")
	}
}

func (e *Entry) applyDefaults(d Defaults) {
	if e.Job != nil {
		e.Job.fill(d.ProcessArticles, d.MaxTweets, d.ScraperAccount)
	}
	if e.Group != nil {
		for i := range e.Group.Jobs {
			j := &e.Group.Jobs[i]
			j.fill(e.Group.ProcessArticles, e.Group.MaxTweets, e.Group.ScraperAccount)
			j.fill(d.ProcessArticles, d.MaxTweets, d.ScraperAccount)
		}
	}
}

func (j *Job) fill(processArticles *bool, maxTweets *int, account string) {
	if j.ProcessArticles == nil {
		j.ProcessArticles = processArticles
	}
	if j.MaxTweets == nil {
		j.MaxTweets = maxTweets
	}
	if j.ScraperAccount == "" {
		j.ScraperAccount = account
	}
}

func (j *Job) validate(path string) error {
	valid := 0
	for _, t := range j.Targets {
		if api.NormalizeUsername(t) != "" {
			valid++
		}
	}
	if valid == 0 {
		return fmt.Errorf("%s missing targets", path)
	}
	if j.MaxTweets != nil && *j.MaxTweets <= 0 {
		return fmt.Errorf("%s max_tweets must be positive", path)
	}
	return nil
}

func (j *Job) request() api.CreateRequest {
	req := api.CreateRequest{
		TargetUsernames: j.Targets,
		MaxTweets:       j.MaxTweets,
		ScraperAccount:  j.ScraperAccount,
	}
	if j.ProcessArticles != nil {
		req.ProcessArticles = *j.ProcessArticles
	}
	return req.Normalize()
}

func (g *Group) validate(path string) error {
	if len(g.Jobs) == 0 {
		return fmt.Errorf("%s must contain at least one job", path)
	}
	for i := range g.Jobs {
		jobPath := fmt.Sprintf("%s.jobs[%d]", path, i)
		if err := g.Jobs[i].validate(jobPath); err != nil {
			return err
		}
	}
	return nil
}

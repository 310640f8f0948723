// Package digest summarizes each team's open service requests and hands the
// summary to a sender on a cron schedule.
package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/loandesk/internal/triage"
)

// Backlog counts one team's requests by status.
type Backlog struct {
	Team   string
	Counts map[triage.Status]int
	Total  int
}

// Open is the number of requests not yet resolved or rejected.
func (b Backlog) Open() int {
	return b.Counts[triage.StatusNew] + b.Counts[triage.StatusInProgress]
}

// Digest is a point-in-time backlog summary across teams.
type Digest struct {
	GeneratedAt time.Time
	Teams       []Backlog
}

// Open sums open requests over every team.
func (d Digest) Open() int {
	n := 0
	for _, b := range d.Teams {
		n += b.Open()
	}
	return n
}

// Lister is the slice of the triage service the job reads from.
type Lister interface {
	GetByTeam(ctx context.Context, team string) ([]*triage.ServiceRequest, error)
}

// Sender delivers a digest.
type Sender interface {
	SendDigest(ctx context.Context, d Digest) error
}

// Job builds and sends digests.
type Job struct {
	lister Lister
	sender Sender
	teams  []string
	logger log.Logger
	now    func() time.Time
}

// NewJob creates a job covering teams in the given order.
func NewJob(lister Lister, sender Sender, teams []string, logger log.Logger) *Job {
	if lister == nil {
		panic(xerrors.New("digest: lister is required"))
	}
	if sender == nil {
		panic(xerrors.New("digest: sender is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Job{
		lister: lister,
		sender: sender,
		teams:  teams,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Build gathers the current backlog for every team. A team whose listing
// fails is skipped and its error joined into the returned error.
func (j *Job) Build(ctx context.Context) (Digest, error) {
	d := Digest{GeneratedAt: j.now()}
	var errs []error
	for _, team := range j.teams {
		list, err := j.lister.GetByTeam(ctx, team)
		if err != nil {
			errs = append(errs, fmt.Errorf("list team %s: %w", team, err))
			continue
		}
		b := Backlog{Team: team, Counts: make(map[triage.Status]int, len(triage.Statuses)), Total: len(list)}
		for _, sr := range list {
			b.Counts[sr.Status]++
		}
		d.Teams = append(d.Teams, b)
	}
	return d, errors.Join(errs...)
}

// Run builds a digest and sends it. Partial digests are still sent.
func (j *Job) Run(ctx context.Context) error {
	d, buildErr := j.Build(ctx)
	if buildErr != nil {
		j.logger.Warn(ctx, "digest incomplete", "err", buildErr)
	}
	if len(d.Teams) == 0 {
		return buildErr
	}
	if err := j.sender.SendDigest(ctx, d); err != nil {
		return errors.Join(buildErr, fmt.Errorf("send digest: %w", err))
	}
	j.logger.Info(ctx, "digest sent", "teams", len(d.Teams), "open", d.Open())
	return buildErr
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a 5-field cron expression or a
// descriptor such as @daily.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid digest schedule %q: %w", spec, err)
	}
	return nil
}

// Start schedules Run on spec and returns the running scheduler. Stop it to
// end the schedule; the context returned by Stop is done once an in-flight
// run finishes.
func (j *Job) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	_, err := c.AddFunc(spec, func() {
		if err := j.Run(ctx); err != nil {
			j.logger.Error(ctx, err, "digest run failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid digest schedule %q: %w", spec, err)
	}
	c.Start()
	j.logger.Info(ctx, "digest scheduled", "schedule", spec)
	return c, nil
}

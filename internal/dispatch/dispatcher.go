// Package dispatch drives resolved campaigns to completion: a feeder pulls
// tasks round-robin across active campaigns and a fixed worker pool performs
// the sends. Postgres is the system of record, so a restarted engine resumes
// where it left off.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"bcast/internal/decorate"
	"bcast/internal/domain"
	"bcast/internal/observability"
	"bcast/internal/senders"
	"bcast/internal/store"
)

type Store interface {
	ListRunnableCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error)
	ClaimCampaignProcessing(ctx context.Context, id string, now time.Time) (bool, error)
	CampaignState(ctx context.Context, id string) (domain.CampaignState, error)
	LoadPendingTasks(ctx context.Context, campaignID string, limit int) ([]domain.RecipientTask, error)
	ClaimTask(ctx context.Context, taskID string, now time.Time) (bool, error)
	MarkTaskSent(ctx context.Context, in store.TaskOutcome) error
	MarkTaskFailed(ctx context.Context, in store.TaskOutcome) error
	TryCompleteCampaign(ctx context.Context, id string, now time.Time) (bool, error)
	RequeueStaleTasks(ctx context.Context, staleAfter time.Duration, now time.Time) (int, error)
}

type Config struct {
	Workers             int
	PerCampaignInFlight int
	MaxActiveCampaigns  int
	TaskBatch           int
	PollInterval        time.Duration
	SendTimeout         time.Duration
	// MinSendInterval paces each sending identity (device/bot) to stay under
	// upstream throttling.
	MinSendInterval time.Duration
	// StaleClaimAfter is how long a claimed task may sit before a restarted
	// engine takes it back.
	StaleClaimAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.PerCampaignInFlight <= 0 {
		c.PerCampaignInFlight = 2
	}
	if c.MaxActiveCampaigns <= 0 {
		c.MaxActiveCampaigns = 32
	}
	if c.TaskBatch <= 0 {
		c.TaskBatch = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 5 * time.Minute
	}
}

type Dispatcher struct {
	Store    Store
	Senders  map[domain.Platform]senders.Sender
	Breakers map[domain.Platform]*gobreaker.CircuitBreaker
	Cfg      Config
	Log      *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type job struct {
	campaign domain.Campaign
	task     domain.RecipientTask
}

// campaignRun is feeder-local bookkeeping for one active campaign.
type campaignRun struct {
	campaign domain.Campaign
	queue    []domain.RecipientTask
	inFlight int
}

// Run blocks until ctx is cancelled. Workers already holding a task finish
// it; nothing new is pulled after cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Cfg.applyDefaults()
	if d.Log == nil {
		d.Log = slog.Default()
	}

	// take back tasks a crashed engine claimed but never resolved
	if n, err := d.Store.RequeueStaleTasks(ctx, d.Cfg.StaleClaimAfter, time.Now().UTC()); err != nil {
		d.Log.Error("requeue stale tasks failed", "err", err)
	} else if n > 0 {
		d.Log.Info("requeued stale tasks", "count", n)
	}

	jobs := make(chan job, d.Cfg.Workers)
	done := make(chan string, d.Cfg.Workers*2)

	var wg sync.WaitGroup
	for i := 0; i < d.Cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, jobs, done)
		}()
	}

	err := d.feed(ctx, jobs, done)
	close(jobs)
	wg.Wait()
	return err
}

func (d *Dispatcher) feed(ctx context.Context, jobs chan<- job, done <-chan string) error {
	runs := make(map[string]*campaignRun)
	var order []string

	ticker := time.NewTicker(d.Cfg.PollInterval)
	defer ticker.Stop()

	// first pass immediately on boot rather than waiting one interval
	d.adopt(ctx, runs, &order)
	d.refillAndRetire(ctx, runs, &order)
	if !d.dispatchRound(ctx, runs, order, jobs, done) {
		return ctx.Err()
	}

	for {
		poll := false
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			poll = true
		case cid := <-done:
			d.completeOne(runs, cid)
		}

		// soak up any further completions before planning the next round
	drain:
		for {
			select {
			case cid := <-done:
				d.completeOne(runs, cid)
			default:
				break drain
			}
		}

		if poll {
			d.adopt(ctx, runs, &order)
		}
		d.refillAndRetire(ctx, runs, &order)
		if !d.dispatchRound(ctx, runs, order, jobs, done) {
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) completeOne(runs map[string]*campaignRun, cid string) {
	if r := runs[cid]; r != nil && r.inFlight > 0 {
		r.inFlight--
	}
}

// adopt picks up campaigns that became runnable: fresh pending ones are
// claimed into processing (stamping startedAt once), and campaigns left in
// processing by a previous engine run are resumed.
func (d *Dispatcher) adopt(ctx context.Context, runs map[string]*campaignRun, order *[]string) {
	list, err := d.Store.ListRunnableCampaigns(ctx, d.Cfg.MaxActiveCampaigns)
	if err != nil {
		d.Log.Error("list runnable campaigns failed", "err", err)
		return
	}
	for _, c := range list {
		if _, ok := runs[c.ID]; ok {
			continue
		}
		if len(runs) >= d.Cfg.MaxActiveCampaigns {
			return
		}
		if c.State == domain.StatePending {
			ok, err := d.Store.ClaimCampaignProcessing(ctx, c.ID, time.Now().UTC())
			if err != nil {
				d.Log.Error("claim campaign failed", "campaign", c.ID, "err", err)
				continue
			}
			if !ok {
				continue
			}
			c.State = domain.StateProcessing
			d.Log.Info("campaign dispatch started", "campaign", c.ID, "total", c.TotalRecipients)
		}
		runs[c.ID] = &campaignRun{campaign: c}
		*order = append(*order, c.ID)
	}
}

// refillAndRetire reloads each idle run's queue from the store and retires
// runs with nothing left: either the campaign completes now or it already
// reached a terminal state (cancelled) behind our back.
func (d *Dispatcher) refillAndRetire(ctx context.Context, runs map[string]*campaignRun, order *[]string) {
	for _, cid := range append([]string(nil), *order...) {
		r := runs[cid]
		if r == nil || len(r.queue) > 0 || r.inFlight > 0 {
			continue
		}

		tasks, err := d.Store.LoadPendingTasks(ctx, cid, d.Cfg.TaskBatch)
		if err != nil {
			d.Log.Error("load pending tasks failed", "campaign", cid, "err", err)
			continue
		}
		if len(tasks) > 0 {
			st, err := d.Store.CampaignState(ctx, cid)
			if err == nil && st.Terminal() {
				d.removeRun(runs, order, cid)
				continue
			}
			r.queue = tasks
			continue
		}

		completed, err := d.Store.TryCompleteCampaign(ctx, cid, time.Now().UTC())
		if err != nil {
			d.Log.Error("complete campaign failed", "campaign", cid, "err", err)
		} else if completed {
			observability.CampaignsTerminal.WithLabelValues(string(domain.StateCompleted)).Inc()
			d.Log.Info("campaign completed", "campaign", cid)
		}
		// either way this run has nothing left to feed; a campaign that could
		// not complete yet gets re-adopted on the next poll
		d.removeRun(runs, order, cid)
	}
}

func (d *Dispatcher) removeRun(runs map[string]*campaignRun, order *[]string, cid string) {
	delete(runs, cid)
	for i, id := range *order {
		if id == cid {
			*order = append((*order)[:i], (*order)[i+1:]...)
			return
		}
	}
}

// dispatchRound offers at most one task per campaign per pass, looping while
// any run still has queue and capacity. The claim happens here, at pull time:
// a task cancelled since loading fails its claim and never reaches a worker.
func (d *Dispatcher) dispatchRound(ctx context.Context, runs map[string]*campaignRun, order []string, jobs chan<- job, done <-chan string) bool {
	for {
		progress := false
		for _, cid := range order {
			r := runs[cid]
			if r == nil || len(r.queue) == 0 || r.inFlight >= d.Cfg.PerCampaignInFlight {
				continue
			}
			t := r.queue[0]
			r.queue = r.queue[1:]
			progress = true

			ok, err := d.Store.ClaimTask(ctx, t.ID, time.Now().UTC())
			if err != nil {
				d.Log.Error("claim task failed", "task", t.ID, "err", err)
				continue
			}
			if !ok {
				observability.TasksClaimLost.Inc()
				continue
			}
			if !d.offer(ctx, jobs, done, runs, job{campaign: r.campaign, task: t}) {
				return false
			}
			r.inFlight++
		}
		if !progress {
			return true
		}
	}
}

// offer hands a claimed task to the pool, draining completions while the
// pool is saturated so workers can never wedge against a blocked feeder.
func (d *Dispatcher) offer(ctx context.Context, jobs chan<- job, done <-chan string, runs map[string]*campaignRun, j job) bool {
	for {
		select {
		case jobs <- j:
			return true
		case cid := <-done:
			d.completeOne(runs, cid)
		case <-ctx.Done():
			return false
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, jobs <-chan job, done chan<- string) {
	for j := range jobs {
		d.process(ctx, j)
		select {
		case done <- j.task.CampaignID:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	c := j.campaign
	rendered := decorate.Render(c.Message, decorate.Flags{
		AutoIDEnabled:    c.AutoIDEnabled,
		AutoIDPrefix:     c.AutoIDPrefix,
		WatermarkEnabled: c.WatermarkEnabled,
		WatermarkText:    c.WatermarkText,
	}, c.AutoIDBase, j.task.Ordinal)

	if lim := d.limiter(c.SenderID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			// shutdown while pacing; the claim goes stale and a later engine
			// run requeues it
			return
		}
	}

	start := time.Now()
	err := d.send(ctx, c, j.task, rendered)
	outcome := store.TaskOutcome{
		TaskID:     j.task.ID,
		CampaignID: c.ID,
		Rendered:   rendered,
		Now:        time.Now().UTC(),
	}

	if err == nil {
		observability.Sends.WithLabelValues(string(c.Platform), "ok").Inc()
		observability.SendLatency.Observe(time.Since(start).Seconds())
		if err := d.Store.MarkTaskSent(ctx, outcome); err != nil {
			d.Log.Error("mark task sent failed", "task", j.task.ID, "err", err)
			return
		}
	} else {
		observability.Sends.WithLabelValues(string(c.Platform), "error").Inc()
		outcome.FailureReason = senders.Reason(err)
		d.Log.Warn("send failed",
			"campaign", c.ID,
			"task", j.task.ID,
			"platform", c.Platform,
			"target", j.task.Target.Address,
			"err", err,
		)
		if err := d.Store.MarkTaskFailed(ctx, outcome); err != nil {
			d.Log.Error("mark task failed failed", "task", j.task.ID, "err", err)
			return
		}
	}

	completed, err := d.Store.TryCompleteCampaign(ctx, c.ID, time.Now().UTC())
	if err != nil {
		d.Log.Error("complete campaign failed", "campaign", c.ID, "err", err)
		return
	}
	if completed {
		observability.CampaignsTerminal.WithLabelValues(string(domain.StateCompleted)).Inc()
		d.Log.Info("campaign completed", "campaign", c.ID)
	}
}

func (d *Dispatcher) send(ctx context.Context, c domain.Campaign, t domain.RecipientTask, body string) error {
	sender, ok := d.Senders[c.Platform]
	if !ok {
		return &senders.GatewayError{Status: 0, Message: "no sender for platform " + string(c.Platform)}
	}

	call := func() (any, error) {
		sctx, cancel := context.WithTimeout(ctx, d.Cfg.SendTimeout)
		defer cancel()
		return nil, sender.Send(sctx, senders.SendInput{
			Target:   t.Target,
			SenderID: c.SenderID,
			Body:     body,
			MediaRef: c.MediaRef,
		})
	}

	br := d.Breakers[c.Platform]
	if br == nil {
		_, err := call()
		return err
	}
	_, err := br.Execute(call)
	return err
}

// limiter returns the pacing limiter for one sending identity, creating it
// on first use. One token per MinSendInterval, no burst.
func (d *Dispatcher) limiter(senderID string) *rate.Limiter {
	if d.Cfg.MinSendInterval <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limiters == nil {
		d.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := d.limiters[senderID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.Cfg.MinSendInterval), 1)
		d.limiters[senderID] = lim
	}
	return lim
}

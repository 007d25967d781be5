package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mxwashington/regiq-sub010/internal/config"
	"github.com/mxwashington/regiq-sub010/internal/dedup"
	"github.com/mxwashington/regiq-sub010/internal/health"
	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/orchestrator"
	"github.com/mxwashington/regiq-sub010/internal/ratelimit"
	"github.com/mxwashington/regiq-sub010/internal/sink"
	"github.com/mxwashington/regiq-sub010/internal/source"
	"github.com/mxwashington/regiq-sub010/internal/store"
	"github.com/mxwashington/regiq-sub010/internal/util"
)

func fdaItem(summary string) model.RawItem {
	return model.RawItem{
		Source:      "FDA",
		ExternalID:  "RECALL-001",
		Title:       "Acme Foods: Peanut Butter",
		Summary:     summary,
		Published:   "20240110",
		DateLayouts: []string{"20060102"},
		Payload:     map[string]any{"recall_number": "RECALL-001", "reason_for_recall": summary},
	}
}

func fsisItem(title string) model.RawItem {
	return model.RawItem{Source: "FSIS", Title: title, Published: "2024-01-10", DateLayouts: []string{"2006-01-02"}}
}

func connectivityFailure(context.Context, source.FetchRequest) (source.FetchResult, error) {
	return source.FetchResult{}, &source.Error{Source: "B", Kind: source.KindConnectivity, Status: 503, Err: errors.New("service unavailable")}
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		st       *flakyStore
		registry *source.Registry
		limiter  *ratelimit.Limiter
		tracker  *health.Tracker
		rec      *recordingSink
		adapters map[string]*fakeAdapter
		syncCfg  config.SyncConfig
		opts     []orchestrator.Option
	)

	fastRetry := orchestrator.WithRetryPolicies(util.Policy{MaxAttempts: 3}, util.Policy{MaxAttempts: 2})

	register := func(name string, limits model.RateLimits, fn func(context.Context, source.FetchRequest) (source.FetchResult, error)) *fakeAdapter {
		a := &fakeAdapter{name: name, fetchFn: fn}
		desc := model.SourceDescriptor{
			Name:               name,
			Agency:             name + " agency",
			FreshnessThreshold: 24 * time.Hour,
			ItemCap:            100,
			BackfillItemCap:    500,
			Rate:               limits,
		}
		Expect(registry.Add(desc, a)).To(Succeed())
		limiter.Register(name, limits)
		adapters[name] = a
		return a
	}

	build := func() *orchestrator.Orchestrator {
		tracker = health.NewTracker(registry.Descriptors(), st)
		logger := slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelDebug}))
		return orchestrator.New(orchestrator.Deps{
			Registry: registry,
			Limiter:  limiter,
			Tracker:  tracker,
			Store:    st,
			Resolver: dedup.NewResolver(st, dedup.NewKeyCache(100, time.Hour), 48*time.Hour),
			Sinks:    sink.NewFanout(logger, rec),
			Logger:   logger,
		}, syncCfg, append([]orchestrator.Option{fastRetry}, opts...)...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		st = &flakyStore{MemoryStore: store.NewMemory()}
		registry = source.NewRegistry()
		limiter = ratelimit.New(0)
		rec = &recordingSink{}
		adapters = map[string]*fakeAdapter{}
		syncCfg = config.SyncConfig{
			Concurrency:       4,
			RunTimeout:        5 * time.Second,
			IncrementalWindow: 7 * 24 * time.Hour,
			BackfillWindow:    90 * 24 * time.Hour,
			Lookback:          48 * time.Hour,
		}
		opts = nil
	})

	Describe("request validation", func() {
		It("rejects an invalid mode", func() {
			register("FDA", model.RateLimits{}, nil)
			_, err := build().RunSync(ctx, orchestrator.Request{Mode: "full"})
			Expect(errors.Is(err, orchestrator.ErrInvalidMode)).To(BeTrue())
		})

		It("rejects unknown sources by name", func() {
			register("FDA", model.RateLimits{}, nil)
			_, err := build().RunSync(ctx, orchestrator.Request{Sources: []string{"FDA", "NOAA"}})
			var unknown *orchestrator.UnknownSourceError
			Expect(errors.As(err, &unknown)).To(BeTrue())
			Expect(unknown.Names).To(Equal([]string{"NOAA"}))
			Expect(adapters["FDA"].calls.Load()).To(BeZero())
		})

		It("defaults to every registered source in incremental mode", func() {
			register("FSIS", model.RateLimits{}, nil)
			register("FDA", model.RateLimits{}, nil)
			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Mode).To(Equal(model.ModeIncremental))
			Expect(sum.Sources).To(HaveLen(2))
			Expect(sum.Sources[0].Source).To(Equal("FDA"))
			Expect(sum.Sources[1].Source).To(Equal("FSIS"))
		})
	})

	Describe("idempotence", func() {
		It("inserts nothing on a second run with the same upstream data", func() {
			register("FDA", model.RateLimits{}, items(fdaItem("Undeclared peanuts")))
			register("FSIS", model.RateLimits{}, items(fsisItem("Beef Recall — Listeria")))
			o := build()

			first, err := o.RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Totals.Inserted).To(Equal(2))
			Expect(first.OverallStatus).To(Equal(model.RunSuccess))

			second, err := o.RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Totals.Inserted).To(BeZero())
			Expect(second.Totals.Updated + second.Totals.Skipped).To(Equal(2))
			Expect(st.Alerts("FDA")).To(HaveLen(1))
			Expect(st.Alerts("FSIS")).To(HaveLen(1))
		})
	})

	Describe("FDA recall updated upstream", func() {
		It("updates the summary and keeps id and published_at", func() {
			a := register("FDA", model.RateLimits{}, items(fdaItem("Undeclared peanuts")))
			o := build()

			_, err := o.RunSync(ctx, orchestrator.Request{Sources: []string{"FDA"}})
			Expect(err).NotTo(HaveOccurred())
			before := st.Alerts("FDA")
			Expect(before).To(HaveLen(1))

			a.fetchFn = items(fdaItem("Undeclared peanuts and tree nuts"))
			sum, err := o.RunSync(ctx, orchestrator.Request{Sources: []string{"FDA"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Sources[0].Inserted).To(BeZero())
			Expect(sum.Sources[0].Updated).To(Equal(1))

			after := st.Alerts("FDA")
			Expect(after).To(HaveLen(1))
			Expect(after[0].ID).To(Equal(before[0].ID))
			Expect(after[0].PublishedAt).To(BeTemporally("==", before[0].PublishedAt))
			Expect(after[0].Summary).To(Equal("Undeclared peanuts and tree nuts"))
		})
	})

	Describe("FSIS item without an external id", func() {
		It("skips a case and punctuation variant of the same title and day", func() {
			a := register("FSIS", model.RateLimits{}, items(fsisItem("Beef Recall — Listeria")))
			o := build()
			_, err := o.RunSync(ctx, orchestrator.Request{Sources: []string{"FSIS"}})
			Expect(err).NotTo(HaveOccurred())

			a.fetchFn = items(fsisItem("beef recall - listeria"))
			sum, err := o.RunSync(ctx, orchestrator.Request{Sources: []string{"FSIS"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Sources[0].Skipped).To(Equal(1))
			Expect(sum.Sources[0].Inserted).To(BeZero())
			Expect(st.Alerts("FSIS")).To(HaveLen(1))
			Expect(st.Alerts("FSIS")[0].Title).To(Equal("Beef Recall — Listeria"))
		})
	})

	Describe("isolation", func() {
		It("reports a failing source as error and the others as success", func() {
			register("A", model.RateLimits{}, items(model.RawItem{ExternalID: "a-1", Title: "A one", Published: "2024-01-10"}))
			b := register("B", model.RateLimits{}, connectivityFailure)
			register("C", model.RateLimits{}, items(model.RawItem{ExternalID: "c-1", Title: "C one", Published: "2024-01-10"}))

			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Sources[0].Status).To(Equal(model.RunSuccess))
			Expect(sum.Sources[1].Status).To(Equal(model.RunError))
			Expect(sum.Sources[1].Errors[0]).To(HavePrefix("B connectivity: "))
			Expect(sum.Sources[2].Status).To(Equal(model.RunSuccess))
			Expect(sum.OverallStatus).To(Equal(model.RunPartial))

			Expect(b.calls.Load()).To(Equal(int32(3)))
			Expect(tracker.CurrentHealth("B").Status).To(Equal(model.HealthConnectivityError))
			Expect(tracker.CurrentHealth("A").Status).To(Equal(model.HealthHealthy))
		})

		It("does not retry auth failures", func() {
			a := register("FDA", model.RateLimits{}, func(context.Context, source.FetchRequest) (source.FetchResult, error) {
				return source.FetchResult{}, &source.Error{Source: "FDA", Kind: source.KindAuth, Status: 403, Err: errors.New("invalid api key")}
			})
			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(a.calls.Load()).To(Equal(int32(1)))
			Expect(sum.Sources[0].Status).To(Equal(model.RunError))
			Expect(sum.OverallStatus).To(Equal(model.RunError))
			Expect(tracker.CurrentHealth("FDA").Status).To(Equal(model.HealthAuthError))
		})

		It("stops retrying when the rate budget denies the retry", func() {
			b := register("B", model.RateLimits{PerMinute: 2}, connectivityFailure)
			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(b.calls.Load()).To(Equal(int32(2)))
			Expect(sum.Sources[0].Status).To(Equal(model.RunError))
			Expect(sum.Sources[0].Errors[0]).To(ContainSubstring("service unavailable"))
		})
	})

	Describe("rate limit deferral", func() {
		It("records excess runs as skipped_rate_limited without touching health", func() {
			a := register("FDA", model.RateLimits{PerMinute: 1}, items(fdaItem("Undeclared peanuts")))
			o := build()

			first, err := o.RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Sources[0].Status).To(Equal(model.RunSuccess))
			healthBefore := tracker.CurrentHealth("FDA")

			second, err := o.RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Sources[0].Status).To(Equal(model.RunSkippedRateLimited))
			Expect(second.Sources[0].Errors).To(BeEmpty())
			Expect(a.calls.Load()).To(Equal(int32(1)))
			Expect(tracker.CurrentHealth("FDA").LastAttemptAt).To(Equal(healthBefore.LastAttemptAt))

			runs, err := st.RecentRuns(ctx, "FDA", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(runs[0].Status).To(Equal(model.RunSkippedRateLimited))
		})

		It("marks a run partial when pagination is cut short", func() {
			register("FDA", model.RateLimits{PerMinute: 1}, func(_ context.Context, req source.FetchRequest) (source.FetchResult, error) {
				res := source.FetchResult{Items: []model.RawItem{fdaItem("page one")}}
				if err := req.Budget.Acquire(); err != nil {
					res.Truncated = true
					res.Notes = append(res.Notes, "pagination stopped: "+err.Error())
				}
				return res, nil
			})
			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Sources[0].Status).To(Equal(model.RunPartial))
			Expect(sum.Sources[0].Inserted).To(Equal(1))
			Expect(sum.Sources[0].Errors[0]).To(HavePrefix("pagination stopped"))
		})
	})

	Describe("item and parse failures", func() {
		It("skips items that fail normalization and reports partial", func() {
			register("FSIS", model.RateLimits{}, items(fsisItem("Pork recall"), fsisItem("   ")))
			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Sources[0].Status).To(Equal(model.RunPartial))
			Expect(sum.Sources[0].Fetched).To(Equal(2))
			Expect(sum.Sources[0].Inserted).To(Equal(1))
			Expect(sum.Sources[0].Skipped).To(Equal(1))
		})

		It("records a parse failure without advancing last success", func() {
			register("EPA", model.RateLimits{}, func(context.Context, source.FetchRequest) (source.FetchResult, error) {
				return source.FetchResult{}, &source.Error{Source: "EPA", Kind: source.KindParse, Err: errors.New("unexpected EOF")}
			})
			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Sources[0].Status).To(Equal(model.RunPartial))
			h := tracker.CurrentHealth("EPA")
			Expect(h.LastErrorKind).To(Equal("parse"))
			Expect(h.LastSuccessAt).To(BeNil())
			Expect(h.Status).To(Equal(model.HealthStale))
		})
	})

	Describe("persistence", func() {
		It("retries a failed batch once", func() {
			register("FDA", model.RateLimits{}, items(fdaItem("Undeclared peanuts")))
			st.failures.Store(1)
			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Sources[0].Status).To(Equal(model.RunSuccess))
			Expect(st.applies.Load()).To(Equal(int32(2)))
			Expect(st.Alerts("FDA")).To(HaveLen(1))
		})

		It("keeps the batch in the run record after a second failure", func() {
			register("FDA", model.RateLimits{}, items(fdaItem("Undeclared peanuts")))
			st.failures.Store(2)
			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Sources[0].Status).To(Equal(model.RunError))
			Expect(st.applies.Load()).To(Equal(int32(2)))
			Expect(st.Alerts("FDA")).To(BeEmpty())

			runs, err := st.RecentRuns(ctx, "FDA", 1)
			Expect(err).NotTo(HaveOccurred())
			var batch []map[string]any
			Expect(json.Unmarshal(runs[0].FailedBatch, &batch)).To(Succeed())
			Expect(batch).To(HaveLen(1))
			Expect(batch[0]["external_id"]).To(Equal("RECALL-001"))
			Expect(tracker.CurrentHealth("FDA").LastErrorKind).To(Equal("persistence"))
		})
	})

	Describe("run timeout", func() {
		It("records the slow source as timeout and returns the others", func() {
			syncCfg.RunTimeout = 100 * time.Millisecond
			register("FAST", model.RateLimits{}, items(model.RawItem{ExternalID: "f-1", Title: "Fast", Published: "2024-01-10"}))
			register("SLOW", model.RateLimits{}, func(ctx context.Context, _ source.FetchRequest) (source.FetchResult, error) {
				<-ctx.Done()
				return source.FetchResult{}, ctx.Err()
			})
			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Sources[0].Status).To(Equal(model.RunSuccess))
			Expect(sum.Sources[1].Status).To(Equal(model.RunError))
			Expect(sum.Sources[1].Errors).To(Equal([]string{"timeout"}))
		})
	})

	Describe("draining", func() {
		It("waits for an in-flight run to finalize its record", func() {
			release := make(chan struct{})
			a := register("FDA", model.RateLimits{}, func(context.Context, source.FetchRequest) (source.FetchResult, error) {
				<-release
				return source.FetchResult{Items: []model.RawItem{fdaItem("Salmonella")}}, nil
			})
			o := build()
			go func() {
				defer GinkgoRecover()
				_, _ = o.RunSync(ctx, orchestrator.Request{})
			}()
			Eventually(a.calls.Load).Should(BeEquivalentTo(1))

			short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			Expect(o.Wait(short)).To(MatchError(context.DeadlineExceeded))

			close(release)
			Expect(o.Wait(ctx)).To(Succeed())
			Expect(o.Running()).To(BeFalse())
			runs, err := st.RecentRuns(ctx, "FDA", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(1))
			Expect(runs[0].Status).To(Equal(model.RunSuccess))
		})

		It("returns at once when nothing is running", func() {
			Expect(build().Wait(ctx)).To(Succeed())
		})
	})

	Describe("fetch windows", func() {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		BeforeEach(func() {
			opts = []orchestrator.Option{orchestrator.WithClock(func() time.Time { return now })}
		})

		It("uses the incremental window before any cursor exists", func() {
			a := register("FDA", model.RateLimits{}, nil)
			_, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			req := a.lastRequest()
			Expect(req.Since).To(BeTemporally("==", now.Add(-7*24*time.Hour)))
			Expect(req.Limit).To(Equal(100))
		})

		It("resumes from the cursor minus the lookback", func() {
			a := register("FDA", model.RateLimits{}, items(fdaItem("Undeclared peanuts")))
			o := build()
			_, err := o.RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())

			cur, err := st.GetCursor(ctx, "FDA")
			Expect(err).NotTo(HaveOccurred())
			Expect(cur.LastPublishedAt).To(BeTemporally("==", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)))

			_, err = o.RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(a.lastRequest().Since).To(BeTemporally("==", cur.LastPublishedAt.Add(-48*time.Hour)))
		})

		It("widens the window and the cap in backfill mode", func() {
			a := register("FDA", model.RateLimits{}, nil)
			_, err := build().RunSync(ctx, orchestrator.Request{Mode: model.ModeBackfill})
			Expect(err).NotTo(HaveOccurred())
			req := a.lastRequest()
			Expect(req.Since).To(BeTemporally("==", now.Add(-90*24*time.Hour)))
			Expect(req.Limit).To(Equal(500))
		})
	})

	Describe("summary", func() {
		It("is published to the sinks and serializes with the documented keys", func() {
			register("FDA", model.RateLimits{}, items(fdaItem("Undeclared peanuts")))
			sum, err := build().RunSync(ctx, orchestrator.Request{})
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.count()).To(Equal(1))
			Expect(sum.RunID).NotTo(BeEmpty())

			b, err := json.Marshal(sum)
			Expect(err).NotTo(HaveOccurred())
			var m map[string]any
			Expect(json.Unmarshal(b, &m)).To(Succeed())
			Expect(m).To(HaveKey("run_id"))
			Expect(m).To(HaveKey("overall_status"))
			Expect(m).To(HaveKey("duration_ms"))
			src := m["sources"].([]any)[0].(map[string]any)
			Expect(src).To(HaveKeyWithValue("source", "FDA"))
			Expect(src).To(HaveKeyWithValue("inserted", BeNumerically("==", 1)))
			Expect(src).To(HaveKey("errors"))
		})
	})
})

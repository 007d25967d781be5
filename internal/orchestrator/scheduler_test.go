package orchestrator_test

import (
	"context"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mxwashington/regiq-sub010/internal/orchestrator"
)

var _ = Describe("Scheduler", func() {
	var (
		runner *fakeRunner
		sched  *orchestrator.Scheduler
		cancel context.CancelFunc
		done   chan struct{}
	)

	start := func() {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		go func() {
			defer close(done)
			_ = sched.Run(ctx, 10*time.Millisecond)
		}()
	}

	BeforeEach(func() {
		runner = &fakeRunner{}
		sched = orchestrator.NewScheduler(runner, orchestrator.Request{}, slog.New(slog.NewTextHandler(GinkgoWriter, nil)))
	})

	AfterEach(func() {
		cancel()
		Eventually(done).Should(BeClosed())
	})

	It("runs immediately and then on every tick", func() {
		start()
		Eventually(runner.runs.Load).Should(BeNumerically(">=", 3))
	})

	It("skips ticks while another run is in flight", func() {
		runner.running.Store(true)
		start()
		Consistently(runner.runs.Load, 100*time.Millisecond).Should(BeZero())

		runner.running.Store(false)
		Eventually(runner.runs.Load).Should(BeNumerically(">=", 1))
	})
})

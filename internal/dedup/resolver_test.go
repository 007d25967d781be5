package dedup_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mxwashington/regiq-sub010/internal/dedup"
	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/normalize"
	"github.com/mxwashington/regiq-sub010/internal/store"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func fsisAlert(title string, published time.Time) model.Alert {
	return model.Alert{SourceName: "FSIS", Title: title, NormalizedTitle: normalize.NormalizeTitle(title), PublishedAt: published}
}

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		lookup   *mockLookup
		resolver *dedup.Resolver
	)

	BeforeEach(func() {
		ctx = context.Background()
		lookup = &mockLookup{}
		resolver = dedup.NewResolver(lookup, dedup.NewKeyCache(100, time.Hour), 48*time.Hour)
	})

	Describe("alerts with an external id", func() {
		It("inserts an unseen key", func() {
			d, err := resolver.Resolve(ctx, model.Alert{SourceName: "FDA", ExternalID: "RECALL-001", Title: "x"})
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Action).To(Equal(dedup.Insert))
		})

		It("updates the existing row and caches its id", func() {
			lookup.byExternalIDFn = func(_ context.Context, source, ext string) (model.Alert, error) {
				Expect(source).To(Equal("FDA"))
				Expect(ext).To(Equal("RECALL-001"))
				return model.Alert{ID: "alert-1"}, nil
			}
			a := model.Alert{SourceName: "FDA", ExternalID: "RECALL-001", Title: "x"}

			d, err := resolver.Resolve(ctx, a)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Action).To(Equal(dedup.UpdateExisting))
			Expect(d.ExistingID).To(Equal("alert-1"))

			d, err = resolver.Resolve(ctx, a)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.ExistingID).To(Equal("alert-1"))
			Expect(lookup.calls).To(Equal(1))
		})

		It("never matches across sources", func() {
			lookup.byExternalIDFn = func(_ context.Context, source, _ string) (model.Alert, error) {
				if source == "FDA" {
					return model.Alert{ID: "fda-1"}, nil
				}
				return model.Alert{}, store.ErrNotFound
			}
			d, err := resolver.Resolve(ctx, model.Alert{SourceName: "FSIS", ExternalID: "RECALL-001"})
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Action).To(Equal(dedup.Insert))
		})

		It("surfaces store failures", func() {
			boom := errors.New("connection reset")
			lookup.byExternalIDFn = func(context.Context, string, string) (model.Alert, error) {
				return model.Alert{}, boom
			}
			_, err := resolver.Resolve(ctx, model.Alert{SourceName: "FDA", ExternalID: "1"})
			Expect(err).To(MatchError(boom))
		})
	})

	Describe("alerts without an external id", func() {
		It("skips a case and punctuation variant published the same day", func() {
			stored := fsisAlert("Beef Recall — Listeria", day(10))
			stored.ID = "fsis-1"
			lookup.byTitleFn = func(_ context.Context, source, title string, from, to time.Time) (model.Alert, error) {
				if source == stored.SourceName && title == stored.NormalizedTitle &&
					!stored.PublishedAt.Before(from) && !stored.PublishedAt.After(to) {
					return stored, nil
				}
				return model.Alert{}, store.ErrNotFound
			}

			d, err := resolver.Resolve(ctx, fsisAlert("beef recall - listeria", day(10)))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Action).To(Equal(dedup.SkipAsDuplicate))
			Expect(d.ExistingID).To(Equal("fsis-1"))
		})

		It("queries a +/- two day window", func() {
			var gotFrom, gotTo time.Time
			lookup.byTitleFn = func(_ context.Context, _, _ string, from, to time.Time) (model.Alert, error) {
				gotFrom, gotTo = from, to
				return model.Alert{}, store.ErrNotFound
			}
			d, err := resolver.Resolve(ctx, fsisAlert("Pork recall", day(10)))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Action).To(Equal(dedup.Insert))
			Expect(gotFrom).To(Equal(day(8)))
			Expect(gotTo).To(Equal(day(12)))
		})
	})

	Describe("ResolveBatch", func() {
		It("skips keys repeated inside one batch", func() {
			batch := []model.Alert{
				{SourceName: "FDA", ExternalID: "A", Title: "a"},
				{SourceName: "FDA", ExternalID: "A", Title: "a again"},
				fsisAlert("Beef Recall", day(10)),
				fsisAlert("beef recall!", day(11)),
				fsisAlert("beef recall", day(20)),
			}
			ds, err := resolver.ResolveBatch(ctx, batch)
			Expect(err).NotTo(HaveOccurred())
			actions := []dedup.Action{}
			for _, d := range ds {
				actions = append(actions, d.Action)
			}
			Expect(actions).To(Equal([]dedup.Action{
				dedup.Insert, dedup.SkipAsDuplicate, dedup.Insert, dedup.SkipAsDuplicate, dedup.Insert,
			}))
		})

		It("uses remembered keys after a persist", func() {
			a := model.Alert{ID: "id-9", SourceName: "FDA", ExternalID: "Z"}
			resolver.Remember([]model.Alert{a})
			ds, err := resolver.ResolveBatch(ctx, []model.Alert{a})
			Expect(err).NotTo(HaveOccurred())
			Expect(ds[0].Action).To(Equal(dedup.UpdateExisting))
			Expect(ds[0].ExistingID).To(Equal("id-9"))
			Expect(lookup.calls).To(BeZero())
		})
	})
})

package outbox

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"go-limpet/pkg/dcb"
)

var _ = Describe("Progress store", func() {
	var progress *progressStore

	BeforeEach(func() {
		resetOutboxState()
		progress = newProgressStore(pool)
		Expect(progress.Ensure(ctx, "ledger", "kafka")).To(Succeed())
	})

	It("creates rows idempotently, starting ACTIVE at position zero", func() {
		Expect(progress.Ensure(ctx, "ledger", "kafka")).To(Succeed())

		row, err := progress.Get(ctx, "ledger", "kafka")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.Topic).To(Equal("ledger"))
		Expect(row.Publisher).To(Equal("kafka"))
		Expect(row.Status).To(Equal(StatusActive))
		Expect(row.LastPosition).To(BeZero())
		Expect(row.ErrorCount).To(BeZero())
		Expect(row.LeaderInstance).To(BeNil())
	})

	It("advances the cursor monotonically", func() {
		Expect(progress.Advance(ctx, "ledger", "kafka", 5, time.Now())).To(Succeed())

		row, err := progress.Get(ctx, "ledger", "kafka")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.LastPosition).To(Equal(int64(5)))
		Expect(row.LastPublishedAt).NotTo(BeNil())

		// Stale positions are rejected, including replays of the current one.
		Expect(progress.Advance(ctx, "ledger", "kafka", 3, time.Now())).NotTo(Succeed())
		Expect(progress.Advance(ctx, "ledger", "kafka", 5, time.Now())).NotTo(Succeed())

		row, err = progress.Get(ctx, "ledger", "kafka")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.LastPosition).To(Equal(int64(5)))
	})

	It("clears error state when the cursor advances", func() {
		count, status, err := progress.RecordError(ctx, "ledger", "kafka", "boom", 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
		Expect(status).To(Equal(StatusActive))

		Expect(progress.Advance(ctx, "ledger", "kafka", 2, time.Now())).To(Succeed())

		row, err := progress.Get(ctx, "ledger", "kafka")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.ErrorCount).To(BeZero())
		Expect(row.LastError).To(BeNil())
	})

	It("flips the row to FAILED once errors exceed max retries", func() {
		count, status, err := progress.RecordError(ctx, "ledger", "kafka", "boom", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
		Expect(status).To(Equal(StatusActive))

		count, status, err = progress.RecordError(ctx, "ledger", "kafka", "boom again", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(2))
		Expect(status).To(Equal(StatusFailed))

		row, err := progress.Get(ctx, "ledger", "kafka")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.LastError).To(HaveValue(Equal("boom again")))
	})

	It("returns ErrProgressNotFound for unknown pairs", func() {
		_, err := progress.Get(ctx, "ghost", "kafka")
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, ErrProgressNotFound)).To(BeTrue())
		Expect(dcb.IsResourceError(err)).To(BeTrue())
	})
})

var _ = Describe("Manager", func() {
	var mgr *Manager

	BeforeEach(func() {
		resetOutboxState()
		mgr = NewManager(pool, zap.NewNop())
		Expect(newProgressStore(pool).Ensure(ctx, "wallets", "log")).To(Succeed())
	})

	It("pauses and resumes dispatch", func() {
		row, err := mgr.Pause(ctx, "wallets", "log")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.Status).To(Equal(StatusPaused))

		row, err = mgr.Pause(ctx, "wallets", "log")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.Status).To(Equal(StatusPaused))

		row, err = mgr.Resume(ctx, "wallets", "log")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.Status).To(Equal(StatusActive))

		row, err = mgr.Resume(ctx, "wallets", "log")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.Status).To(Equal(StatusActive))
	})

	It("resume reactivates FAILED rows and clears their error state", func() {
		progress := newProgressStore(pool)
		_, _, err := progress.RecordError(ctx, "wallets", "log", "boom", 1)
		Expect(err).NotTo(HaveOccurred())
		_, status, err := progress.RecordError(ctx, "wallets", "log", "boom", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(StatusFailed))

		row, err := mgr.Resume(ctx, "wallets", "log")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.Status).To(Equal(StatusActive))
		Expect(row.ErrorCount).To(BeZero())
		Expect(row.LastError).To(BeNil())
	})

	It("reset forces ACTIVE and keeps the cursor", func() {
		progress := newProgressStore(pool)
		Expect(progress.Advance(ctx, "wallets", "log", 7, time.Now())).To(Succeed())
		_, err := mgr.Pause(ctx, "wallets", "log")
		Expect(err).NotTo(HaveOccurred())

		row, err := mgr.Reset(ctx, "wallets", "log")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.Status).To(Equal(StatusActive))
		Expect(row.LastPosition).To(Equal(int64(7)))
	})

	It("reports lag against the head of the event log", func() {
		lag, err := mgr.Lag(ctx, "wallets", "log")
		Expect(err).NotTo(HaveOccurred())
		Expect(lag).To(BeZero())

		seedEvents(5, "WalletOpened", "wallet_id", "w1")
		lag, err = mgr.Lag(ctx, "wallets", "log")
		Expect(err).NotTo(HaveOccurred())
		Expect(lag).To(Equal(int64(5)))

		Expect(newProgressStore(pool).Advance(ctx, "wallets", "log", 2, time.Now())).To(Succeed())
		lag, err = mgr.Lag(ctx, "wallets", "log")
		Expect(err).NotTo(HaveOccurred())
		Expect(lag).To(Equal(int64(3)))
	})
})

var _ = Describe("Management API", func() {
	var router http.Handler

	BeforeEach(func() {
		resetOutboxState()
		Expect(newProgressStore(pool).Ensure(ctx, "wallets", "log")).To(Succeed())
		router = NewRouter(NewManager(pool, zap.NewNop()))
	})

	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	It("serves the progress row", func() {
		rec := do(http.MethodGet, "/outbox/topics/wallets/publishers/log/status")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

		var row Progress
		Expect(json.Unmarshal(rec.Body.Bytes(), &row)).To(Succeed())
		Expect(row.Topic).To(Equal("wallets"))
		Expect(row.Publisher).To(Equal("log"))
		Expect(row.Status).To(Equal(StatusActive))
	})

	It("drives pause, resume and reset transitions", func() {
		rec := do(http.MethodPost, "/outbox/topics/wallets/publishers/log/pause")
		Expect(rec.Code).To(Equal(http.StatusOK))
		var row Progress
		Expect(json.Unmarshal(rec.Body.Bytes(), &row)).To(Succeed())
		Expect(row.Status).To(Equal(StatusPaused))

		rec = do(http.MethodPost, "/outbox/topics/wallets/publishers/log/resume")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(json.Unmarshal(rec.Body.Bytes(), &row)).To(Succeed())
		Expect(row.Status).To(Equal(StatusActive))

		rec = do(http.MethodPost, "/outbox/topics/wallets/publishers/log/reset")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(json.Unmarshal(rec.Body.Bytes(), &row)).To(Succeed())
		Expect(row.Status).To(Equal(StatusActive))
	})

	It("reports lag", func() {
		seedEvents(4, "WalletOpened", "wallet_id", "w1")

		rec := do(http.MethodGet, "/outbox/topics/wallets/publishers/log/lag")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var body struct {
			Topic     string `json:"topic"`
			Publisher string `json:"publisher"`
			Lag       int64  `json:"lag"`
		}
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body.Topic).To(Equal("wallets"))
		Expect(body.Publisher).To(Equal("log"))
		Expect(body.Lag).To(Equal(int64(4)))
	})

	It("returns 404 for unknown topic publisher pairs", func() {
		rec := do(http.MethodGet, "/outbox/topics/ghost/publishers/none/status")
		Expect(rec.Code).To(Equal(http.StatusNotFound))

		rec = do(http.MethodPost, "/outbox/topics/ghost/publishers/none/pause")
		Expect(rec.Code).To(Equal(http.StatusNotFound))

		rec = do(http.MethodGet, "/outbox/topics/ghost/publishers/none/lag")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})
})

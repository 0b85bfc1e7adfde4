package dcb_test

import (
	"context"
	"errors"
	"sync"

	"go-limpet/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var errInsufficientFunds = errors.New("insufficient funds")

var _ = Describe("CommandExecutor", func() {
	BeforeEach(func() {
		resetState()
	})

	It("appends handler events and the audit row in one transaction", func() {
		openWallet := dcb.HandlerFor("OpenWallet", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]int{"amount": 100})),
			)
			return dcb.NewCommandResult(events, nil), nil
		})
		executor, err := dcb.NewCommandExecutor(store, openWallet)
		Expect(err).NotTo(HaveOccurred())

		result, err := executor.Execute(ctx, dcb.NewCommand("OpenWallet", toJSON(map[string]string{"wallet_id": "w1"}), nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(dcb.OutcomeCreated))
		Expect(result.TransactionID).NotTo(BeEmpty())

		events, err := store.Query(ctx, dcb.NewQueryAll(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].TransactionID).To(Equal(result.TransactionID))

		// The audit row carries the same transaction id as the events it
		// produced.
		var auditType string
		err = pool.QueryRow(ctx,
			"SELECT type FROM commands WHERE transaction_id::text = $1", result.TransactionID).Scan(&auditType)
		Expect(err).NotTo(HaveOccurred())
		Expect(auditType).To(Equal("OpenWallet"))
	})

	It("returns an idempotent outcome with an audit row when the handler reports a no-op", func() {
		openWallet := dcb.HandlerFor("OpenWallet", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			existing, err := txStore.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletOpened"), nil)
			if err != nil {
				return dcb.CommandResult{}, err
			}
			if len(existing) > 0 {
				return dcb.EmptyCommandResult("wallet already open"), nil
			}
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), nil),
			)
			return dcb.NewCommandResult(events, nil), nil
		})
		executor, err := dcb.NewCommandExecutor(store, openWallet)
		Expect(err).NotTo(HaveOccurred())

		cmd := dcb.NewCommand("OpenWallet", nil, nil)

		first, err := executor.Execute(ctx, cmd)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Outcome).To(Equal(dcb.OutcomeCreated))

		second, err := executor.Execute(ctx, cmd)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Outcome).To(Equal(dcb.OutcomeIdempotent))
		Expect(second.Reason).To(Equal("wallet already open"))

		// One event, two audit rows: the replay is recorded without writing
		// new events.
		Expect(countRows("events")).To(Equal(1))
		Expect(countRows("commands")).To(Equal(2))
	})

	It("surfaces a ConcurrencyError when the handler's condition is violated", func() {
		openWallet := dcb.HandlerFor("OpenWallet", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			condition := dcb.WithIdempotencyCheck(dcb.EmptyCondition(), "WalletOpened", "wallet_id", "w1")
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), nil),
			)
			return dcb.NewCommandResult(events, condition), nil
		})
		executor, err := dcb.NewCommandExecutor(store, openWallet)
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, dcb.NewCommand("OpenWallet", nil, nil))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, dcb.NewCommand("OpenWallet", nil, nil))
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		Expect(countRows("events")).To(Equal(1))
	})

	It("passes domain errors through unchanged and rolls the transaction back", func() {
		withdraw := dcb.HandlerFor("WithdrawMoney", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			// The append joins the surrounding transaction, so the error
			// below must undo it.
			_, err := txStore.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("MoneyWithdrawn", dcb.NewTags("wallet_id", "w1"), nil),
			))
			if err != nil {
				return dcb.CommandResult{}, err
			}
			return dcb.CommandResult{}, errInsufficientFunds
		})
		executor, err := dcb.NewCommandExecutor(store, withdraw)
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, dcb.NewCommand("WithdrawMoney", nil, nil))
		Expect(errors.Is(err, errInsufficientFunds)).To(BeTrue())
		Expect(countRows("events")).To(Equal(0))
		Expect(countRows("commands")).To(Equal(0))
	})

	It("rejects unregistered command types", func() {
		executor, err := dcb.NewCommandExecutor(store, dcb.HandlerFor("OpenWallet", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			return dcb.EmptyCommandResult("noop"), nil
		}))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, dcb.NewCommand("CloseWallet", nil, nil))
		Expect(dcb.IsUnknownCommandError(err)).To(BeTrue())
		unknownErr, ok := dcb.GetUnknownCommandError(err)
		Expect(ok).To(BeTrue())
		Expect(unknownErr.CommandType).To(Equal("CloseWallet"))
	})

	It("skips the audit row when command persistence is disabled", func() {
		quiet, err := dcb.NewEventStoreWithConfig(ctx, pool, dcb.EventStoreConfig{PersistCommands: false})
		Expect(err).NotTo(HaveOccurred())

		handler := dcb.HandlerFor("OpenWallet", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			return dcb.NewCommandResult(dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), nil),
			), nil), nil
		})
		executor, err := dcb.NewCommandExecutor(quiet, handler)
		Expect(err).NotTo(HaveOccurred())

		result, err := executor.Execute(ctx, dcb.NewCommand("OpenWallet", nil, nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(dcb.OutcomeCreated))
		Expect(countRows("events")).To(Equal(1))
		Expect(countRows("commands")).To(Equal(0))
	})

	It("stores at most one audit row per transaction", func() {
		err := store.ExecuteInTransaction(ctx, func(txCtx context.Context, txStore dcb.EventStore) error {
			if err := txStore.StoreCommand(txCtx, "OpenWallet", nil, nil); err != nil {
				return err
			}
			return txStore.StoreCommand(txCtx, "OpenWallet", nil, nil)
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(countRows("commands")).To(Equal(1))
	})

	It("serializes conflicting commands on advisory locks", func() {
		increment := dcb.HandlerFor("IncrementCounter", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			counter := dcb.StateProjector{
				ID:           "count",
				Query:        dcb.NewQuery(dcb.NewTags("counter_id", "c1"), "CounterIncremented"),
				InitialState: 0,
				TransitionFn: func(state any, event dcb.Event) any { return state.(int) + 1 },
			}
			states, _, err := txStore.Project(ctx, []dcb.StateProjector{counter}, nil)
			if err != nil {
				return dcb.CommandResult{}, err
			}
			next := states["count"].(int) + 1
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("CounterIncremented", dcb.NewTags("counter_id", "c1"), toJSON(map[string]int{"value": next})),
			)
			return dcb.NewCommandResult(events, nil), nil
		})
		executor, err := dcb.NewCommandExecutor(store, increment)
		Expect(err).NotTo(HaveOccurred())

		// Both executions read the counter before writing. The shared lock
		// key forces the second to wait for the first commit, so it must
		// observe value 1 and write value 2.
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				_, execErr := executor.ExecuteWithLocks(context.Background(),
					dcb.NewCommand("IncrementCounter", nil, nil), []string{"counter:c1"})
				errs <- execErr
			}()
		}
		wg.Wait()
		close(errs)
		for execErr := range errs {
			Expect(execErr).NotTo(HaveOccurred())
		}

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("counter_id", "c1"), "CounterIncremented"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))

		values := make([]int, 0, 2)
		for _, event := range events {
			var payload struct {
				Value int `json:"value"`
			}
			Expect(event.UnmarshalData(&payload)).To(Succeed())
			values = append(values, payload.Value)
		}
		Expect(values).To(Equal([]int{1, 2}))
	})

	It("rejects ExecuteWithLocks without lock keys", func() {
		executor, err := dcb.NewCommandExecutor(store, dcb.HandlerFor("OpenWallet", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			return dcb.EmptyCommandResult("noop"), nil
		}))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.ExecuteWithLocks(ctx, dcb.NewCommand("OpenWallet", nil, nil), nil)
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})
})

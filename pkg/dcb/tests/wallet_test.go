package dcb_test

import (
	"context"
	"errors"

	"go-limpet/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var errWalletNotFound = errors.New("wallet not found")

type walletState struct {
	Exists  bool
	Balance int
}

func walletProjector(walletID string) dcb.StateProjector {
	return dcb.StateProjector{
		ID: "wallet",
		Query: dcb.NewQueryFromItems(
			dcb.NewQItemKV("WalletOpened", "wallet_id", walletID),
			dcb.NewQItemKV("DepositMade", "wallet_id", walletID),
			dcb.NewQItemKV("WithdrawalMade", "wallet_id", walletID),
		),
		InitialState: walletState{},
		TransitionFn: func(state any, event dcb.Event) any {
			s := state.(walletState)
			var payload struct {
				Amount int `json:"amount"`
			}
			if err := event.UnmarshalData(&payload); err != nil {
				return s
			}
			switch event.Type {
			case "WalletOpened":
				s.Exists = true
				s.Balance = payload.Amount
			case "DepositMade":
				s.Balance += payload.Amount
			case "WithdrawalMade":
				s.Balance -= payload.Amount
			}
			return s
		},
	}
}

var _ = Describe("Wallet scenarios", func() {
	BeforeEach(func() {
		resetState()
	})

	Describe("opening a wallet", func() {
		openHandler := dcb.HandlerFor("OpenWallet", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			var payload struct {
				WalletID string `json:"wallet_id"`
				Owner    string `json:"owner"`
				Amount   int    `json:"amount"`
			}
			if err := (dcb.JSONCodec{}).Unmarshal(cmd.GetData(), &payload); err != nil {
				return dcb.CommandResult{}, err
			}
			condition := dcb.WithIdempotencyCheck(dcb.EmptyCondition(), "WalletOpened", "wallet_id", payload.WalletID)
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", payload.WalletID),
					toJSON(map[string]any{"owner": payload.Owner, "amount": payload.Amount})),
			)
			return dcb.NewCommandResult(events, condition), nil
		})

		It("creates once and rejects the identical retry", func() {
			executor, err := dcb.NewCommandExecutor(store, openHandler)
			Expect(err).NotTo(HaveOccurred())

			cmd := dcb.NewCommand("OpenWallet", toJSON(map[string]any{
				"wallet_id": "w1", "owner": "Alice", "amount": 1000,
			}), nil)

			result, err := executor.Execute(ctx, cmd)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Outcome).To(Equal(dcb.OutcomeCreated))

			opened, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletOpened"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(opened).To(HaveLen(1))
			Expect(opened[0].Position).To(Equal(int64(1)))

			_, err = executor.Execute(ctx, cmd)
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

			opened, err = store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletOpened"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(opened).To(HaveLen(1), "retries must never create a second wallet")
		})
	})

	Describe("depositing with a cursor check", func() {
		depositHandler := dcb.HandlerFor("DepositMoney", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			var payload struct {
				DepositID string `json:"deposit_id"`
				WalletID  string `json:"wallet_id"`
				Amount    int    `json:"amount"`
			}
			if err := (dcb.JSONCodec{}).Unmarshal(cmd.GetData(), &payload); err != nil {
				return dcb.CommandResult{}, err
			}

			states, condition, err := txStore.Project(ctx, []dcb.StateProjector{walletProjector(payload.WalletID)}, nil)
			if err != nil {
				return dcb.CommandResult{}, err
			}
			wallet := states["wallet"].(walletState)
			if !wallet.Exists {
				return dcb.CommandResult{}, errWalletNotFound
			}

			events := dcb.NewEventBatch(
				dcb.NewInputEvent("DepositMade",
					dcb.NewTags("wallet_id", payload.WalletID, "deposit_id", payload.DepositID),
					toJSON(map[string]any{"amount": payload.Amount, "new_balance": wallet.Balance + payload.Amount})),
			)
			return dcb.NewCommandResult(events, condition), nil
		})

		It("appends against the projected cursor and re-applies on replay", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]int{"amount": 100})),
			))
			Expect(err).NotTo(HaveOccurred())

			executor, err := dcb.NewCommandExecutor(store, depositHandler)
			Expect(err).NotTo(HaveOccurred())

			cmd := dcb.NewCommand("DepositMoney", toJSON(map[string]any{
				"deposit_id": "d1", "wallet_id": "w1", "amount": 50,
			}), nil)

			result, err := executor.Execute(ctx, cmd)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Outcome).To(Equal(dcb.OutcomeCreated))

			// The cursor alone cannot spot a duplicate deposit: the second
			// run projects a fresh cursor past the first deposit and its
			// condition holds. The balance lands on 200.
			_, err = executor.Execute(ctx, cmd)
			Expect(err).NotTo(HaveOccurred())

			states, _, err := store.Project(ctx, []dcb.StateProjector{walletProjector("w1")}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(states["wallet"].(walletState).Balance).To(Equal(200))
		})
	})

	Describe("depositing with a deposit id guard", func() {
		guardedHandler := dcb.HandlerFor("DepositMoney", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			var payload struct {
				DepositID string `json:"deposit_id"`
				WalletID  string `json:"wallet_id"`
				Amount    int    `json:"amount"`
			}
			if err := (dcb.JSONCodec{}).Unmarshal(cmd.GetData(), &payload); err != nil {
				return dcb.CommandResult{}, err
			}

			states, _, err := txStore.Project(ctx, []dcb.StateProjector{walletProjector(payload.WalletID)}, nil)
			if err != nil {
				return dcb.CommandResult{}, err
			}
			wallet := states["wallet"].(walletState)
			if !wallet.Exists {
				return dcb.CommandResult{}, errWalletNotFound
			}

			// The dedupe item has to see the whole log, so the guard starts
			// from an empty condition rather than the projected cursor.
			condition := dcb.WithIdempotencyCheck(dcb.EmptyCondition(), "DepositMade", "deposit_id", payload.DepositID)
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("DepositMade",
					dcb.NewTags("wallet_id", payload.WalletID, "deposit_id", payload.DepositID),
					toJSON(map[string]any{"amount": payload.Amount, "new_balance": wallet.Balance + payload.Amount})),
			)
			return dcb.NewCommandResult(events, condition), nil
		})

		It("rejects a duplicate deposit id", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]int{"amount": 100})),
			))
			Expect(err).NotTo(HaveOccurred())

			executor, err := dcb.NewCommandExecutor(store, guardedHandler)
			Expect(err).NotTo(HaveOccurred())

			cmd := dcb.NewCommand("DepositMoney", toJSON(map[string]any{
				"deposit_id": "d1", "wallet_id": "w1", "amount": 50,
			}), nil)

			_, err = executor.Execute(ctx, cmd)
			Expect(err).NotTo(HaveOccurred())

			_, err = executor.Execute(ctx, cmd)
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

			states, _, err := store.Project(ctx, []dcb.StateProjector{walletProjector("w1")}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(states["wallet"].(walletState).Balance).To(Equal(150))
		})

		It("fails for a wallet that was never opened", func() {
			executor, err := dcb.NewCommandExecutor(store, guardedHandler)
			Expect(err).NotTo(HaveOccurred())

			_, err = executor.Execute(ctx, dcb.NewCommand("DepositMoney", toJSON(map[string]any{
				"deposit_id": "d1", "wallet_id": "ghost", "amount": 50,
			}), nil))
			Expect(errors.Is(err, errWalletNotFound)).To(BeTrue())
			Expect(countRows("events")).To(Equal(0))
		})
	})
})

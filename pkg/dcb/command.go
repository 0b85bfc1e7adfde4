package dcb

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// COMMAND-RELATED TYPES
// =============================================================================

// Command represents a command that triggers event generation.
type Command interface {
	GetType() string
	GetData() []byte
	GetMetadata() map[string]any
}

// command is the internal implementation
type command struct {
	commandType string
	data        []byte
	metadata    map[string]any
}

func (c *command) GetType() string             { return c.commandType }
func (c *command) GetData() []byte             { return c.data }
func (c *command) GetMetadata() map[string]any { return c.metadata }

// NewCommand creates a new Command with the given type, serialized data and
// metadata.
func NewCommand(commandType string, data []byte, metadata map[string]any) Command {
	return &command{
		commandType: commandType,
		data:        data,
		metadata:    metadata,
	}
}

// CommandResult is what a handler returns: the events to append, the
// condition guarding them, and for the no-op case a human-readable reason.
type CommandResult struct {
	Events    []InputEvent
	Condition AppendCondition
	Reason    string
}

// NewCommandResult builds a result that appends events under the condition.
// A nil condition appends unconditionally.
func NewCommandResult(events []InputEvent, condition AppendCondition) CommandResult {
	return CommandResult{Events: events, Condition: condition}
}

// EmptyCommandResult reports that the command required no new events, with
// the reason (for example "wallet already exists"). The executor commits
// the audit row only and returns an idempotent outcome.
func EmptyCommandResult(reason string) CommandResult {
	return CommandResult{Reason: reason}
}

// CommandHandler produces events for one command type. Handle receives a
// transaction-scoped store: reads see the surrounding transaction, and any
// direct appends join it.
type CommandHandler interface {
	CommandType() string
	Handle(ctx context.Context, store EventStore, command Command) (CommandResult, error)
}

// CommandHandlerFunc is the function signature handlers can be built from.
type CommandHandlerFunc func(ctx context.Context, store EventStore, command Command) (CommandResult, error)

type handlerFunc struct {
	commandType string
	fn          CommandHandlerFunc
}

func (h *handlerFunc) CommandType() string { return h.commandType }
func (h *handlerFunc) Handle(ctx context.Context, store EventStore, command Command) (CommandResult, error) {
	return h.fn(ctx, store, command)
}

// HandlerFor adapts a function into a CommandHandler for the given type.
func HandlerFor(commandType string, fn CommandHandlerFunc) CommandHandler {
	return &handlerFunc{commandType: commandType, fn: fn}
}

// ExecutionOutcome classifies a successful command execution.
type ExecutionOutcome int

const (
	// OutcomeCreated means the command appended new events.
	OutcomeCreated ExecutionOutcome = iota
	// OutcomeIdempotent means the command was a no-op replay.
	OutcomeIdempotent
)

func (o ExecutionOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "CREATED"
	case OutcomeIdempotent:
		return "IDEMPOTENT"
	default:
		return "UNKNOWN"
	}
}

// ExecutionResult reports what a command execution did.
type ExecutionResult struct {
	Outcome       ExecutionOutcome
	Reason        string // set for idempotent outcomes
	TransactionID string // set when events were appended
	Events        []InputEvent
}

// CommandExecutor routes commands to their registered handlers and runs
// handler, append and audit row in one transaction.
type CommandExecutor interface {
	// Execute runs the command through its handler. It returns an
	// UnknownCommandError for unregistered types, ConcurrencyError when the
	// handler's condition is violated, and the handler's own errors
	// unchanged. There is no automatic retry.
	Execute(ctx context.Context, command Command) (ExecutionResult, error)

	// ExecuteWithLocks behaves like Execute but serializes on the given
	// advisory lock keys before the handler runs. Locks are sorted to keep
	// acquisition order deadlock free and held until commit.
	ExecuteWithLocks(ctx context.Context, command Command, locks []string) (ExecutionResult, error)
}

type commandExecutor struct {
	eventStore EventStore
	handlers   map[string]CommandHandler
}

// NewCommandExecutor builds an executor over the store with a fixed handler
// registry. Registering two handlers for one command type fails with
// AmbiguousHandlerError.
func NewCommandExecutor(eventStore EventStore, handlers ...CommandHandler) (CommandExecutor, error) {
	if eventStore == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "NewCommandExecutor",
				Err: fmt.Errorf("event store cannot be nil"),
			},
			Field: "eventStore",
			Value: "nil",
		}
	}

	registry := make(map[string]CommandHandler, len(handlers))
	for _, handler := range handlers {
		commandType := handler.CommandType()
		if commandType == "" {
			return nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "NewCommandExecutor",
					Err: fmt.Errorf("handler has empty command type"),
				},
				Field: "commandType",
				Value: "",
			}
		}
		if _, exists := registry[commandType]; exists {
			return nil, &AmbiguousHandlerError{
				EventStoreError: EventStoreError{
					Op:  "NewCommandExecutor",
					Err: fmt.Errorf("two handlers registered for command type %q", commandType),
				},
				CommandType: commandType,
			}
		}
		registry[commandType] = handler
	}

	return &commandExecutor{
		eventStore: eventStore,
		handlers:   registry,
	}, nil
}

func (ce *commandExecutor) Execute(ctx context.Context, cmd Command) (ExecutionResult, error) {
	return ce.execute(ctx, cmd, nil)
}

func (ce *commandExecutor) ExecuteWithLocks(ctx context.Context, cmd Command, locks []string) (ExecutionResult, error) {
	if len(locks) == 0 {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "executeWithLocks",
				Err: fmt.Errorf("locks slice cannot be empty"),
			},
			Field: "locks",
			Value: "empty",
		}
	}
	return ce.execute(ctx, cmd, locks)
}

func (ce *commandExecutor) execute(ctx context.Context, cmd Command, locks []string) (ExecutionResult, error) {
	if cmd == nil {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command cannot be nil"),
			},
			Field: "command",
			Value: "nil",
		}
	}
	if cmd.GetType() == "" {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command type must not be empty"),
			},
			Field: "commandType",
			Value: "",
		}
	}

	handler, ok := ce.handlers[cmd.GetType()]
	if !ok {
		return ExecutionResult{}, &UnknownCommandError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("no handler registered for command type %q", cmd.GetType()),
			},
			CommandType: cmd.GetType(),
		}
	}

	config := ce.eventStore.GetConfig()
	config.Metrics.Publish(CommandStartedMetric{Type: cmd.GetType()})
	started := time.Now()

	var result ExecutionResult
	err := ce.eventStore.ExecuteInTransaction(ctx, func(txCtx context.Context, txStore EventStore) error {
		if len(locks) > 0 {
			if err := acquireAdvisoryLocks(txCtx, txStore, locks, config.LockTimeout); err != nil {
				return err
			}
		}

		commandResult, handlerErr := handler.Handle(txCtx, txStore, cmd)
		if handlerErr != nil {
			// Domain errors pass through unchanged.
			return handlerErr
		}

		if len(commandResult.Events) == 0 {
			if commandResult.Reason == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "execute",
						Err: fmt.Errorf("handler for %q returned no events and no reason", cmd.GetType()),
					},
					Field: "events",
					Value: "empty",
				}
			}
			if err := txStore.StoreCommand(txCtx, cmd.GetType(), cmd.GetData(), cmd.GetMetadata()); err != nil {
				return err
			}
			result = ExecutionResult{
				Outcome: OutcomeIdempotent,
				Reason:  commandResult.Reason,
			}
			return nil
		}

		var txID string
		var appendErr error
		if commandResult.Condition != nil {
			txID, appendErr = txStore.AppendIf(txCtx, commandResult.Events, commandResult.Condition)
		} else {
			txID, appendErr = txStore.Append(txCtx, commandResult.Events)
		}
		if appendErr != nil {
			return appendErr
		}

		if err := txStore.StoreCommand(txCtx, cmd.GetType(), cmd.GetData(), cmd.GetMetadata()); err != nil {
			return err
		}

		result = ExecutionResult{
			Outcome:       OutcomeCreated,
			TransactionID: txID,
			Events:        commandResult.Events,
		}
		return nil
	})

	if err != nil {
		config.Metrics.Publish(CommandFailureMetric{
			Type:      cmd.GetType(),
			ErrorKind: classifyError(err),
		})
		return ExecutionResult{}, err
	}

	switch result.Outcome {
	case OutcomeIdempotent:
		config.Metrics.Publish(IdempotentOperationMetric{Type: cmd.GetType()})
	default:
		config.Metrics.Publish(CommandSuccessMetric{
			Type:     cmd.GetType(),
			Duration: time.Since(started),
		})
	}
	return result, nil
}

// acquireAdvisoryLocks takes transaction-scoped advisory locks in sorted
// order. The locks release automatically at commit or rollback.
func acquireAdvisoryLocks(ctx context.Context, txStore EventStore, locks []string, lockTimeoutMs int) error {
	es, ok := txStore.(*eventStore)
	if !ok || es.tx == nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "acquireAdvisoryLocks",
				Err: fmt.Errorf("advisory locks require a transaction-scoped store"),
			},
			Resource: "database",
		}
	}

	if lockTimeoutMs > 0 {
		if _, err := es.tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeoutMs)); err != nil {
			return &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "acquireAdvisoryLocks",
					Err: fmt.Errorf("failed to set lock timeout: %w", err),
				},
				Resource: "database",
			}
		}
	}

	sortedLocks := make([]string, len(locks))
	copy(sortedLocks, locks)
	sort.Strings(sortedLocks)

	for _, lockKey := range sortedLocks {
		if _, err := es.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", lockKey); err != nil {
			return &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "acquireAdvisoryLocks",
					Err: fmt.Errorf("failed to acquire advisory lock for key %q: %w", lockKey, err),
				},
				Resource: "database",
			}
		}
	}
	return nil
}

// classifyError maps an execution error onto its metric label.
func classifyError(err error) string {
	switch {
	case IsConcurrencyError(err):
		return "concurrency_violation"
	case IsUnknownCommandError(err):
		return "unknown_command"
	case IsValidationError(err):
		return "validation"
	case IsTimeoutError(err):
		return "timeout"
	case IsResourceError(err):
		return "storage"
	default:
		return "domain"
	}
}

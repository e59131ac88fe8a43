// Package finance is the sample transaction domain: a canonical type, the
// schema that builds it from raw rows and the rules that gate each field.
package finance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/normalize"
	"github.com/sells-group/truth-pipeline/internal/validation"
)

// EntityType is the entity type uploads of bank transactions declare.
const EntityType = "transaction"

// Accepted date layouts, most specific first.
var dateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006"}

// Transaction kinds.
const (
	KindIncome   = "income"
	KindExpense  = "expense"
	KindTransfer = "transfer"
)

// Transaction is the canonical form of one bank or ledger line.
type Transaction struct {
	Date        time.Time `json:"date"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Type        string    `json:"type"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	Account     string    `json:"account,omitempty"`
}

// Schema maps raw rows onto Transaction.
func Schema() normalize.Schema[Transaction] {
	return normalize.Schema[Transaction]{
		EntityType: EntityType,
		Fields: []normalize.Field[Transaction]{
			normalize.Set("date", normalize.Date(dateLayouts...), func(t *Transaction, v time.Time) { t.Date = v }),
			normalize.Set("amount", normalize.Float(), func(t *Transaction, v float64) { t.Amount = v }),
			normalize.Set("currency", upper(), func(t *Transaction, v string) { t.Currency = v }),
			normalize.Set("type", normalize.Lower(), func(t *Transaction, v string) { t.Type = v }),
			normalize.Set("category", normalize.Lower(), func(t *Transaction, v string) { t.Category = v }),
			normalize.Set("description", normalize.String(), func(t *Transaction, v string) { t.Description = v }),
			normalize.Set("account", normalize.String(), func(t *Transaction, v string) { t.Account = v }),
		},
		New: func() Transaction { return Transaction{Currency: "USD"} },
	}
}

func upper() normalize.Coercer[string] {
	return func(raw any) (string, error) {
		return strings.ToUpper(strings.TrimSpace(validation.AsString(raw))), nil
	}
}

var (
	currencyRe = regexp.MustCompile(`^[A-Za-z]{3}$`)
	accountRe  = regexp.MustCompile(`^[A-Za-z0-9-]{4,34}$`)
)

// Rules returns the built-in transaction rules.
func Rules() []validation.Rule {
	maxAmount := 1e9
	minAmount := -1e9
	return []validation.Rule{
		{
			ID: "transaction.date.present", EntityType: EntityType, Field: "date",
			Priority: validation.PriorityPresence, Required: true,
			Description: "every transaction has a booking date",
			Evaluator:   validation.Present(),
		},
		{
			ID: "transaction.date.format", EntityType: EntityType, Field: "date",
			Priority: validation.PriorityFormat, Required: true,
			Description: "dates are ISO or US formatted",
			Evaluator:   anyDate(),
		},
		{
			ID: "transaction.amount.present", EntityType: EntityType, Field: "amount",
			Priority: validation.PriorityPresence, Required: true,
			Evaluator: validation.Present(),
		},
		{
			ID: "transaction.amount.number", EntityType: EntityType, Field: "amount",
			Priority: validation.PriorityType, Required: true,
			Evaluator: validation.Type(validation.KindNumber),
		},
		{
			ID: "transaction.amount.range", EntityType: EntityType, Field: "amount",
			Priority: validation.PriorityRange, Required: true,
			Evaluator: validation.Range(&minAmount, &maxAmount),
		},
		{
			ID: "transaction.amount.income_positive", EntityType: EntityType, Field: "amount",
			Priority: validation.PriorityBusiness, Required: true,
			Description: "income requires a positive amount",
			Evaluator:   validation.PositiveWhen("type", KindIncome),
		},
		{
			ID: "transaction.amount.expense_sign", EntityType: EntityType, Field: "amount",
			Priority:    validation.PriorityBusiness,
			Description: "expenses are usually booked as negative amounts",
			Evaluator:   expenseSign(),
		},
		{
			ID: "transaction.type.present", EntityType: EntityType, Field: "type",
			Priority: validation.PriorityPresence, Required: true,
			Evaluator: validation.Present(),
		},
		{
			ID: "transaction.type.known", EntityType: EntityType, Field: "type",
			Priority: validation.PriorityFormat, Required: true,
			Evaluator: validation.OneOf(KindIncome, KindExpense, KindTransfer),
		},
		{
			ID: "transaction.description.length", EntityType: EntityType, Field: "description",
			Priority:    validation.PriorityFormat,
			Description: "descriptions longer than a statement line are usually merged cells",
			Evaluator:   maxLength(maxDescription),
		},
		{
			ID: "transaction.currency.code", EntityType: EntityType, Field: "currency",
			Priority:  validation.PriorityFormat,
			Evaluator: validation.Pattern(currencyRe, "a three-letter ISO 4217 code"),
		},
		{
			ID: "transaction.account.format", EntityType: EntityType, Field: "account",
			Priority:  validation.PriorityFormat,
			Evaluator: validation.Pattern(accountRe, "an account number"),
		},
	}
}

// anyDate passes values matching one of the accepted layouts. Values that
// only parse with day and month swapped fail with the corrected date as the
// suggestion.
func anyDate() validation.Evaluator {
	iso := validation.DateFormat(dateLayouts[0], "YYYY-MM-DD")
	us := validation.DateFormat(dateLayouts[1], "MM/DD/YYYY")
	return validation.EvaluatorFunc(func(ctx context.Context, value any, record validation.Record) (validation.Outcome, error) {
		out, err := iso.Evaluate(ctx, value, record)
		if err != nil || out.Status != validation.StatusFail {
			return out, err
		}
		if _, err := time.Parse(dateLayouts[2], strings.TrimSpace(validation.AsString(value))); err == nil {
			return validation.Pass(), nil
		}
		return us.Evaluate(ctx, value, record)
	})
}

const maxDescription = 140

func maxLength(n int) validation.Evaluator {
	return validation.Custom(func(value any, _ validation.Record) validation.Outcome {
		s := strings.TrimSpace(validation.AsString(value))
		if len([]rune(s)) <= n {
			return validation.Pass()
		}
		return validation.FailWithSuggestion(
			fmt.Sprintf("text is %d characters, longer than %d", len([]rune(s)), n),
			string([]rune(s)[:n]),
		)
	})
}

func expenseSign() validation.Evaluator {
	return validation.CrossField("type", func(value, other any) validation.Outcome {
		if !strings.EqualFold(strings.TrimSpace(validation.AsString(other)), KindExpense) {
			return validation.NotApplicable()
		}
		f, ok := validation.AsFloat(value)
		if !ok || f <= 0 {
			return validation.Pass()
		}
		return validation.FailWithSuggestion(
			fmt.Sprintf("expense booked as positive amount %v", f),
			fmt.Sprintf("%v", -f),
		)
	})
}

// Options configures the finance stage.
type Options struct {
	Policy      normalize.Policy
	Concurrency int
	Now         func() time.Time
}

// NewEngine builds a validation engine holding the built-in rules plus any
// rules declared in ruleFile.
func NewEngine(ruleFile string) (*validation.Engine, error) {
	eng := validation.NewEngine(nil)
	if err := eng.Registry().RegisterAll(Rules()); err != nil {
		return nil, eris.Wrap(err, "finance: register built-in rules")
	}
	if ruleFile == "" {
		return eng, nil
	}
	extra, err := validation.LoadRuleFile(ruleFile)
	if err != nil {
		return nil, eris.Wrap(err, "finance: load rules")
	}
	if err := eng.Registry().RegisterAll(extra); err != nil {
		return nil, eris.Wrapf(err, "finance: register rules from %s", ruleFile)
	}
	zap.L().Info("loaded rule file",
		zap.String("component", "finance"),
		zap.String("file", ruleFile),
		zap.Int("rules", len(extra)),
	)
	return eng, nil
}

// NewStage builds the normalize stage for transactions. Canonicals are
// written to sink.
func NewStage(eng *validation.Engine, sink normalize.CanonicalSink, opts Options) (*normalize.Stage[Transaction], error) {
	var nopts []normalize.Option
	if opts.Policy.WarningPenalty > 0 {
		nopts = append(nopts, normalize.WithPolicy(opts.Policy))
	}
	if opts.Concurrency > 0 {
		nopts = append(nopts, normalize.WithConcurrency(opts.Concurrency))
	}
	if opts.Now != nil {
		nopts = append(nopts, normalize.WithClock(opts.Now))
	}
	n, err := normalize.New[model.Observation](Schema(), eng, nopts...)
	if err != nil {
		return nil, eris.Wrap(err, "finance: build normalizer")
	}
	return normalize.NewStage(n, sink), nil
}

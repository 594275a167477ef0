package decisor

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fisco/internal/fiscal"
	domainerrors "fisco/pkg/domain-errors"
)

func loadTestRules(t *testing.T) []Rule {
	t.Helper()
	rules, err := LoadRules("testdata/rules.yaml")
	require.NoError(t, err)
	return rules
}

func TestDecideGoodsSale(t *testing.T) {
	engine := NewEngine(loadTestRules(t))

	tests := []struct {
		name     string
		op       OperationDescriptor
		wantType fiscal.DocumentType
	}{
		{
			name:     "company buyer gets goods invoice",
			op:       OperationDescriptor{Counterparty: CounterpartyCompany, Category: "goods_sale"},
			wantType: fiscal.GoodsInvoice,
		},
		{
			name:     "person buyer gets consumer invoice",
			op:       OperationDescriptor{Counterparty: CounterpartyPerson, Category: "goods_sale"},
			wantType: fiscal.ConsumerInvoice,
		},
		{
			name:     "service gets service invoice regardless of counterparty",
			op:       OperationDescriptor{Counterparty: CounterpartyPerson, Category: "service_rendered"},
			wantType: fiscal.ServiceInvoice,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Decide(tt.op)
			require.NoError(t, err)
			assert.True(t, decision.Required)
			assert.Equal(t, tt.wantType, decision.DocumentType)
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	engine := NewEngine(loadTestRules(t))
	op := OperationDescriptor{Counterparty: CounterpartyCompany, Category: "goods_sale"}

	first, err := engine.Decide(op)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := engine.Decide(op)
		require.NoError(t, err)
		assert.Equal(t, first.DocumentType, again.DocumentType)
		assert.Equal(t, first.Series, again.Series)
		require.Len(t, again.Taxes, len(first.Taxes))
		for name, rate := range first.Taxes {
			assert.True(t, rate.Equal(again.Taxes[name]), "tax %s drifted", name)
		}
	}
}

func TestDecideCarriesExactRates(t *testing.T) {
	engine := NewEngine(loadTestRules(t))

	decision, err := engine.Decide(OperationDescriptor{Counterparty: CounterpartyCompany, Category: "goods_sale"})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.18").Equal(decision.Taxes["icms"]))
	assert.True(t, decimal.RequireFromString("0.05").Equal(decision.Taxes["ipi"]))
}

func TestDecideNoDocumentRequired(t *testing.T) {
	engine := NewEngine(loadTestRules(t))

	tests := []struct {
		name string
		op   OperationDescriptor
	}{
		{
			name: "explicit no-document rule",
			op:   OperationDescriptor{Counterparty: CounterpartyCompany, Category: "donation_passthrough"},
		},
		{
			name: "no matching rule",
			op:   OperationDescriptor{Counterparty: CounterpartyCompany, Category: "internal_transfer"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Decide(tt.op)
			require.NoError(t, err)
			assert.False(t, decision.Required)
		})
	}
}

func TestDecideRefusesConflictingRules(t *testing.T) {
	rules := []Rule{
		{Name: "a", Category: "goods_sale", Counterparty: "*", DocumentType: fiscal.GoodsInvoice},
		{Name: "b", Category: "goods_sale", Counterparty: "company", DocumentType: fiscal.ConsumerInvoice},
	}
	engine := NewEngine(rules)

	_, err := engine.Decide(OperationDescriptor{Counterparty: CounterpartyCompany, Category: "goods_sale"})
	require.Error(t, err)
	assert.True(t, domainerrors.HasCode(err, domainerrors.CodeAmbiguousRule))
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestDecideAgreeingOverlapIsNotAmbiguous(t *testing.T) {
	rules := []Rule{
		{Name: "a", Category: "goods_sale", Counterparty: "*", DocumentType: fiscal.GoodsInvoice},
		{Name: "b", Category: "goods_sale", Counterparty: "company", DocumentType: fiscal.GoodsInvoice},
	}
	engine := NewEngine(rules)

	decision, err := engine.Decide(OperationDescriptor{Counterparty: CounterpartyCompany, Category: "goods_sale"})
	require.NoError(t, err)
	assert.Equal(t, fiscal.GoodsInvoice, decision.DocumentType)
}

func TestDecideRequiresCategory(t *testing.T) {
	engine := NewEngine(loadTestRules(t))
	_, err := engine.Decide(OperationDescriptor{Counterparty: CounterpartyCompany})
	assert.True(t, domainerrors.HasCode(err, domainerrors.CodeInvalidInput))
}

func TestParseRulesRejectsBadTable(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty table", yaml: "rules: []"},
		{name: "unknown document type", yaml: `
rules:
  - name: bad
    category: goods_sale
    counterparty: company
    document_type: EXPORT_INVOICE
`},
		{name: "bad counterparty", yaml: `
rules:
  - name: bad
    category: goods_sale
    counterparty: robot
    document_type: GOODS_INVOICE
`},
		{name: "unparseable rate", yaml: `
rules:
  - name: bad
    category: goods_sale
    counterparty: company
    document_type: GOODS_INVOICE
    taxes:
      icms: "eighteen percent"
`},
		{name: "negative rate", yaml: `
rules:
  - name: bad
    category: goods_sale
    counterparty: company
    document_type: GOODS_INVOICE
    taxes:
      icms: "-0.18"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, domainerrors.HasCode(err, domainerrors.CodeInvalidInput))
		})
	}
}

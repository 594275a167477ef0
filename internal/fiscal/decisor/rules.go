package decisor

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"fisco/internal/fiscal"
	domainerrors "fisco/pkg/domain-errors"
)

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name         string            `yaml:"name"`
	Category     string            `yaml:"category"`
	Counterparty string            `yaml:"counterparty"`
	Jurisdiction string            `yaml:"jurisdiction"`
	DocumentType string            `yaml:"document_type"`
	Series       int               `yaml:"series"`
	Taxes        map[string]string `yaml:"taxes"`
}

// LoadRules reads and validates the decision table from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInvalidInput, "failed to read rule table")
	}
	return ParseRules(data)
}

// ParseRules validates the YAML decision table. Tax rates are carried as
// strings in the file and parsed into exact decimals here.
func ParseRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInvalidInput, "failed to parse rule table")
	}
	if len(file.Rules) == 0 {
		return nil, domainerrors.New(domainerrors.CodeInvalidInput, "rule table is empty")
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		rule, err := spec.toRule()
		if err != nil {
			return nil, domainerrors.Wrap(err, domainerrors.CodeInvalidInput,
				fmt.Sprintf("rule %d (%s) is invalid", i, spec.Name))
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (spec ruleSpec) toRule() (Rule, error) {
	if spec.Name == "" {
		return Rule{}, fmt.Errorf("name is required")
	}
	if spec.Category == "" {
		return Rule{}, fmt.Errorf("category is required")
	}
	switch spec.Counterparty {
	case string(CounterpartyPerson), string(CounterpartyCompany), matchAny:
	default:
		return Rule{}, fmt.Errorf("counterparty must be person, company or %q", matchAny)
	}

	docType := fiscal.DocumentType(spec.DocumentType)
	if spec.DocumentType != "" && !docType.Valid() {
		return Rule{}, fmt.Errorf("unknown document type %q", spec.DocumentType)
	}

	taxes := make(map[string]decimal.Decimal, len(spec.Taxes))
	for name, raw := range spec.Taxes {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return Rule{}, fmt.Errorf("tax %s: %w", name, err)
		}
		if rate.IsNegative() {
			return Rule{}, fmt.Errorf("tax %s: rate must not be negative", name)
		}
		taxes[name] = rate
	}

	return Rule{
		Name:         spec.Name,
		Category:     spec.Category,
		Counterparty: spec.Counterparty,
		Jurisdiction: spec.Jurisdiction,
		DocumentType: docType,
		Series:       spec.Series,
		Taxes:        taxes,
	}, nil
}

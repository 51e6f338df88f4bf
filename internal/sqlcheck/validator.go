// Package sqlcheck statically screens generated SQL before execution. It is
// a second, independent layer behind the generator prompt: the model is told
// to only emit safe SELECTs, and this package assumes it did not listen.
package sqlcheck

import (
	"fmt"
	"sort"
	"strings"
)

// Verdict is the outcome of a validation pass. Reason is empty when Safe.
type Verdict struct {
	Safe   bool
	Reason string
}

func safe() Verdict {
	return Verdict{Safe: true}
}

func unsafe(format string, args ...any) Verdict {
	return Verdict{Safe: false, Reason: fmt.Sprintf(format, args...)}
}

// Schema is the fixed allow-list of table and column names a statement may
// reference. Identifiers outside it fail validation.
type Schema struct {
	tables  map[string]struct{}
	columns map[string]struct{}
}

func NewSchema(tables map[string][]string) Schema {
	schema := Schema{
		tables:  make(map[string]struct{}, len(tables)),
		columns: make(map[string]struct{}),
	}
	for table, columns := range tables {
		schema.tables[strings.ToLower(strings.TrimSpace(table))] = struct{}{}
		for _, column := range columns {
			schema.columns[strings.ToLower(strings.TrimSpace(column))] = struct{}{}
		}
	}
	return schema
}

func (s Schema) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Schema) hasTable(name string) bool {
	_, ok := s.tables[name]
	return ok
}

func (s Schema) hasColumn(name string) bool {
	_, ok := s.columns[name]
	return ok
}

// ParseSchemaSpec parses the "table:col1|col2,table2:colA" config format.
func ParseSchemaSpec(spec string) (map[string][]string, error) {
	tables := map[string][]string{}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return tables, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid schema entry %q: expected table:col|col", entry)
		}
		table := strings.ToLower(strings.TrimSpace(parts[0]))
		if table == "" {
			return nil, fmt.Errorf("invalid schema entry %q: empty table name", entry)
		}
		columns := make([]string, 0)
		for _, column := range strings.Split(parts[1], "|") {
			column = strings.ToLower(strings.TrimSpace(column))
			if column == "" {
				continue
			}
			columns = append(columns, column)
		}
		tables[table] = columns
	}
	return tables, nil
}

// Validator holds the schema allow-list. Validate is a pure function of its
// input; the validator carries no per-request state.
type Validator struct {
	schema Schema
}

func NewValidator(schema Schema) *Validator {
	return &Validator{schema: schema}
}

// Validate screens one SQL string. Checks run in a fixed order: lex (fail
// closed on any lexer fault), structural single-statement check, forbidden
// keyword scan, read-only shape, then the identifier allow-list. Comments are
// stripped and string literals swallowed during lexing, so neither can smuggle
// or falsely trigger a keyword. Tokens in table position are held to a
// stricter rule than other identifiers: every FROM or JOIN source must
// resolve to an allow-listed table or a CTE defined in the statement, never
// to a SELECT-list alias.
func (v *Validator) Validate(sqlText string) Verdict {
	tokens, err := lex(sqlText)
	if err != nil {
		return unsafe("could not parse statement: %v", err)
	}
	tokens = trimTrailingSemicolons(tokens)
	if len(tokens) == 0 {
		return unsafe("empty statement")
	}

	for _, tok := range tokens {
		if tok.kind == tokenPunct && tok.text == ";" {
			return unsafe("multiple SQL statements are not allowed")
		}
	}

	for _, tok := range tokens {
		if tok.kind != tokenWord {
			continue
		}
		if _, ok := forbiddenKeywords[tok.text]; ok {
			return unsafe("forbidden keyword %s", strings.ToUpper(tok.text))
		}
	}

	if first := firstWord(tokens); first != "select" && first != "with" {
		return unsafe("only a single read-only SELECT statement is allowed")
	}

	aliases, ctes := collectAliases(tokens, v.schema)
	tableRefs := tableRefIndexes(tokens)
	for i, tok := range tokens {
		if _, ok := tableRefs[i]; ok {
			if tok.kind != tokenWord {
				return unsafe("table source must be a named table")
			}
			if v.schema.hasTable(tok.text) {
				continue
			}
			if _, ok := ctes[tok.text]; ok {
				continue
			}
			return unsafe("table %q is not in the allowed schema", tok.text)
		}
		if tok.kind != tokenWord {
			continue
		}
		if _, ok := sqlKeywords[tok.text]; ok {
			continue
		}
		if isFunctionCall(tokens, i) {
			if _, ok := allowedFunctions[tok.text]; !ok {
				return unsafe("function %s is not allowed", strings.ToUpper(tok.text))
			}
			continue
		}
		if v.schema.hasTable(tok.text) || v.schema.hasColumn(tok.text) {
			continue
		}
		if _, ok := aliases[tok.text]; ok {
			continue
		}
		return unsafe("identifier %q is not in the allowed schema", tok.text)
	}

	return safe()
}

func firstWord(tokens []token) string {
	for _, tok := range tokens {
		if tok.kind == tokenWord {
			return tok.text
		}
	}
	return ""
}

func trimTrailingSemicolons(tokens []token) []token {
	end := len(tokens)
	for end > 0 && tokens[end-1].kind == tokenPunct && tokens[end-1].text == ";" {
		end--
	}
	return tokens[:end]
}

func isFunctionCall(tokens []token, i int) bool {
	return i+1 < len(tokens) && tokens[i+1].kind == tokenPunct && tokens[i+1].text == "("
}

// collectAliases gathers names a statement is allowed to re-reference even
// though they are not schema identifiers: `expr AS name`, CTE names
// (`name AS (...)`), and bare table aliases (`FROM matches m`). CTE names
// come back in their own set because only they may also stand in table
// position; an output alias legitimizes column references, never a FROM or
// JOIN source.
func collectAliases(tokens []token, schema Schema) (aliases, ctes map[string]struct{}) {
	aliases = map[string]struct{}{}
	ctes = map[string]struct{}{}
	for i, tok := range tokens {
		if tok.kind == tokenWord && tok.text == "as" {
			if i+1 < len(tokens) && tokens[i+1].kind == tokenWord {
				aliases[tokens[i+1].text] = struct{}{}
			}
			if i+1 < len(tokens) && tokens[i+1].kind == tokenPunct && tokens[i+1].text == "(" &&
				i > 0 && tokens[i-1].kind == tokenWord {
				ctes[tokens[i-1].text] = struct{}{}
				aliases[tokens[i-1].text] = struct{}{}
			}
			continue
		}
		if tok.kind == tokenWord && schema.hasTable(tok.text) {
			if i+1 < len(tokens) && tokens[i+1].kind == tokenWord {
				next := tokens[i+1].text
				if _, keyword := sqlKeywords[next]; !keyword {
					if _, forbidden := forbiddenKeywords[next]; !forbidden {
						aliases[next] = struct{}{}
					}
				}
			}
		}
	}
	return aliases, ctes
}

// tableRefIndexes marks the tokens that stand in table position: the source
// right after FROM or JOIN, and the sources after commas while a FROM list is
// open at the current paren depth. Join qualifiers keep the expectation
// alive; clause keywords and a closing paren end the list for their depth.
// ON and USING conditions clear the expectation but keep the list open, so a
// comma source after a join (`FROM a JOIN b ON ... , c`) is still caught.
func tableRefIndexes(tokens []token) map[int]struct{} {
	refs := map[int]struct{}{}
	depth := 0
	fromOpen := map[int]bool{}
	expectSource := false
	for i, tok := range tokens {
		if tok.kind == tokenPunct {
			switch tok.text {
			case "(":
				depth++
				expectSource = false
			case ")":
				fromOpen[depth] = false
				depth--
				expectSource = false
			case ",":
				expectSource = fromOpen[depth]
			default:
				expectSource = false
			}
			continue
		}
		if tok.kind != tokenWord {
			if expectSource {
				refs[i] = struct{}{}
				expectSource = false
			}
			continue
		}
		switch tok.text {
		case "from", "join":
			fromOpen[depth] = true
			expectSource = true
		case "inner", "left", "right", "full", "outer", "cross", "natural", "lateral":
		case "on", "using":
			expectSource = false
		case "where", "group", "having", "order", "limit", "offset",
			"union", "intersect", "except", "qualify", "window", "select":
			fromOpen[depth] = false
			expectSource = false
		default:
			if expectSource {
				refs[i] = struct{}{}
				expectSource = false
			}
		}
	}
	return refs
}

// forbiddenKeywords covers data definition and modification plus the DuckDB
// statements that touch files or settings.
var forbiddenKeywords = wordSet(
	"insert", "update", "delete", "drop", "alter", "create", "truncate",
	"attach", "detach", "copy", "pragma", "install", "load", "export",
	"import", "call", "grant", "revoke", "exec", "execute", "merge",
	"replace", "vacuum", "set", "reset", "begin", "commit", "rollback",
	"checkpoint", "use",
)

var sqlKeywords = wordSet(
	"select", "from", "where", "and", "or", "not", "as", "on", "join",
	"inner", "left", "right", "full", "outer", "cross", "group", "by",
	"order", "having", "limit", "offset", "asc", "desc", "distinct",
	"case", "when", "then", "else", "end", "in", "is", "null", "like",
	"ilike", "between", "union", "all", "intersect", "except", "exists",
	"with", "interval", "true", "false", "using", "natural", "over",
	"partition", "rows", "range", "unbounded", "preceding", "following",
	"current", "row", "filter", "escape", "any", "some", "values",
	"recursive", "qualify", "lateral", "nulls", "first", "last",
	// type names, so casts do not trip the schema allow-list
	"integer", "int", "bigint", "smallint", "tinyint", "double", "float",
	"real", "decimal", "numeric", "varchar", "text", "date", "timestamp",
	"time", "boolean", "bool", "char",
)

var allowedFunctions = wordSet(
	"abs", "avg", "cast", "ceil", "ceiling", "coalesce", "concat",
	"count", "date_diff", "date_part", "date_trunc", "dayname",
	"dense_rank", "extract", "floor", "greatest", "lag", "lead", "least",
	"len", "length", "lower", "ltrim", "max", "median", "min", "mode",
	"monthname", "nullif", "ntile", "percent_rank", "position", "quantile",
	"rank", "round", "row_number", "rtrim", "split_part", "sqrt", "stddev",
	"strftime", "string_agg", "strptime", "substr", "substring", "sum",
	"trim", "trunc", "try_cast", "upper", "var_pop", "year", "month",
	"day", "hour", "minute", "second",
)

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		set[word] = struct{}{}
	}
	return set
}

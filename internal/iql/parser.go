package iql

import "strings"

type parser struct {
	src    string
	tokens []Token
	pos    int
}

// ParseIQL parses a single query.
func ParseIQL(src string) (Query, error) {
	tokens, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.Kind != TokenEOF {
		return nil, p.errorf(t, "unexpected %s after end of query", t)
	}
	return q, nil
}

// MustParse is ParseIQL for queries known to be valid; it panics otherwise.
func MustParse(src string) Query {
	q, err := ParseIQL(src)
	if err != nil {
		panic(err)
	}
	return q
}

func (p *parser) peek() Token { return p.tokens[p.pos] }

func (p *parser) advance() Token {
	t := p.tokens[p.pos]
	if t.Kind != TokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t Token, format string, args ...any) error {
	return newSyntaxError(p.src, t.Offset, format, args...)
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.Kind == TokenKeyword && t.Value == kw
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.isKeyword(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if p.acceptKeyword(kw) {
		return nil
	}
	t := p.peek()
	return p.errorf(t, "expected %s, got %s", kw, t)
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	t := p.peek()
	if t.Kind != kind {
		return t, p.errorf(t, "expected %s, got %s", kind, t)
	}
	return p.advance(), nil
}

func (p *parser) parseQuery() (Query, error) {
	switch {
	case p.acceptKeyword("FIND"):
		return p.parseFind()
	case p.acceptKeyword("SUMMARIZE"):
		return p.parseSummarize()
	}
	t := p.peek()
	return nil, p.errorf(t, "expected FIND or SUMMARIZE, got %s", t)
}

func (p *parser) parseFind() (*FindQuery, error) {
	q := &FindQuery{}
	target, err := p.parseTarget()
	if err != nil {
		return nil, err
	}
	q.Target = target

	if p.isKeyword("AT") {
		at := p.advance()
		if _, ok := target.(ResourcesTarget); !ok {
			return nil, p.errorf(at, "AT is only supported for FIND resources")
		}
		s, err := p.expect(TokenString)
		if err != nil {
			return nil, err
		}
		q.At = s.Value
	}
	if p.acceptKeyword("WHERE") {
		if q.Where, err = p.parseOr(); err != nil {
			return nil, err
		}
	}
	if p.acceptKeyword("DIFF") {
		if err := p.expectKeyword("WITH"); err != nil {
			return nil, err
		}
		q.Diff = true
		if !p.acceptKeyword("NOW") {
			s, err := p.expect(TokenString)
			if err != nil {
				return nil, err
			}
			q.DiffWith = s.Value
		}
	}
	if p.acceptKeyword("LIMIT") {
		n, err := p.expect(TokenNumber)
		if err != nil {
			return nil, err
		}
		if n.Number < 1 || n.Number != float64(int(n.Number)) {
			return nil, p.errorf(n, "LIMIT must be a positive integer")
		}
		q.Limit = int(n.Number)
	}
	return q, nil
}

func (p *parser) parseTarget() (Target, error) {
	t := p.peek()
	switch {
	case p.acceptKeyword("RESOURCES"):
		return ResourcesTarget{}, nil
	case p.acceptKeyword("DOWNSTREAM"):
		id, err := p.parseOfString()
		return DownstreamTarget{NodeID: id}, err
	case p.acceptKeyword("UPSTREAM"):
		id, err := p.parseOfString()
		return UpstreamTarget{NodeID: id}, err
	case p.acceptKeyword("PATH"):
		if err := p.expectKeyword("FROM"); err != nil {
			return nil, err
		}
		from, err := p.expect(TokenString)
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("TO"); err != nil {
			return nil, err
		}
		to, err := p.expect(TokenString)
		if err != nil {
			return nil, err
		}
		return PathTarget{From: from.Value, To: to.Value}, nil
	}
	return nil, p.errorf(t, "expected RESOURCES, DOWNSTREAM, UPSTREAM or PATH, got %s", t)
}

func (p *parser) parseOfString() (string, error) {
	if err := p.expectKeyword("OF"); err != nil {
		return "", err
	}
	s, err := p.expect(TokenString)
	return s.Value, err
}

func (p *parser) parseOr() (Condition, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	conds := []Condition{first}
	for p.acceptKeyword("OR") {
		c, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	if len(conds) == 1 {
		return first, nil
	}
	return &OrCondition{Conditions: conds}, nil
}

func (p *parser) parseAnd() (Condition, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	conds := []Condition{first}
	for p.acceptKeyword("AND") {
		c, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	if len(conds) == 1 {
		return first, nil
	}
	return &AndCondition{Conditions: conds}, nil
}

func (p *parser) parseUnary() (Condition, error) {
	if p.acceptKeyword("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotCondition{Inner: inner}, nil
	}
	if p.peek().Kind == TokenLParen {
		p.advance()
		c, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return c, nil
	}
	t := p.peek()
	if t.Kind == TokenIdent && p.tokens[p.pos+1].Kind == TokenLParen {
		return p.parseFunction()
	}
	return p.parseFieldCondition()
}

func (p *parser) parseFunction() (Condition, error) {
	name := p.advance()
	fn, ok := functions[strings.ToLower(name.Value)]
	if !ok {
		return nil, p.errorf(name, "unknown function %q", name.Value)
	}
	p.advance() // (
	var args []any
	if p.peek().Kind != TokenRParen {
		for {
			v, err := p.parseScalar()
			if err != nil {
				return nil, err
			}
			args = append(args, v)
			if p.peek().Kind != TokenComma {
				break
			}
			p.advance()
		}
	}
	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	if len(args) < fn.minArgs || len(args) > fn.maxArgs {
		return nil, p.errorf(name, "%s expects %s, got %d", fn.name, fn.arity(), len(args))
	}
	return &FunctionCondition{Name: fn.name, Args: args}, nil
}

// parseField reads ident ('.' ident)* into one dotted name.
func (p *parser) parseField() (string, error) {
	first := p.peek()
	if first.Kind != TokenIdent {
		return "", p.errorf(first, "expected field name, got %s", first)
	}
	p.advance()
	parts := []string{first.Value}
	for p.peek().Kind == TokenDot {
		p.advance()
		t := p.peek()
		if t.Kind != TokenIdent && t.Kind != TokenKeyword {
			return "", p.errorf(t, "expected field name after '.', got %s", t)
		}
		p.advance()
		parts = append(parts, p.text(t))
	}
	return strings.Join(parts, "."), nil
}

// text returns a token as written; keyword values are upper-cased.
func (p *parser) text(t Token) string {
	if t.Kind == TokenKeyword {
		return p.src[t.Offset : t.Offset+len(t.Value)]
	}
	return t.Value
}

func (p *parser) parseFieldCondition() (Condition, error) {
	field, err := p.parseField()
	if err != nil {
		return nil, err
	}
	opTok := p.peek()
	var op Operator
	switch {
	case opTok.Kind == TokenOperator:
		op = Operator(opTok.Value)
	case p.isKeyword("LIKE"):
		op = OpLike
	case p.isKeyword("IN"):
		op = OpIn
	case p.isKeyword("MATCHES"):
		op = OpMatches
	default:
		return nil, p.errorf(opTok, "expected operator after %q, got %s", field, opTok)
	}
	p.advance()

	var value any
	if op == OpIn {
		value, err = p.parseList()
	} else {
		value, err = p.parseScalar()
	}
	if err != nil {
		return nil, err
	}
	return &FieldCondition{Field: field, Op: op, Value: value}, nil
}

func (p *parser) parseScalar() (any, error) {
	t := p.peek()
	switch t.Kind {
	case TokenString:
		p.advance()
		return t.Value, nil
	case TokenNumber:
		p.advance()
		return t.Number, nil
	case TokenIdent:
		p.advance()
		return t.Value, nil
	case TokenKeyword:
		if t.Value == "NOW" {
			p.advance()
			return nowValue{}, nil
		}
	}
	return nil, p.errorf(t, "expected value, got %s", t)
}

func (p *parser) parseList() ([]any, error) {
	if p.peek().Kind != TokenLParen {
		v, err := p.parseScalar()
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	}
	p.advance()
	var out []any
	for {
		v, err := p.parseScalar()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if p.peek().Kind != TokenComma {
			break
		}
		p.advance()
	}
	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseSummarize() (*SummarizeQuery, error) {
	q := &SummarizeQuery{}
	m, err := p.parseMetric()
	if err != nil {
		return nil, err
	}
	q.Metric = m
	if err := p.expectKeyword("BY"); err != nil {
		return nil, err
	}
	for {
		f, err := p.parseField()
		if err != nil {
			return nil, err
		}
		q.By = append(q.By, f)
		if p.peek().Kind != TokenComma {
			break
		}
		p.advance()
	}
	if p.acceptKeyword("WHERE") {
		if q.Where, err = p.parseOr(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (p *parser) parseMetric() (Metric, error) {
	t := p.peek()
	if t.Kind == TokenIdent {
		switch strings.ToLower(t.Value) {
		case "cost":
			p.advance()
			return Metric{Func: MetricSum, Field: "cost"}, nil
		case "count":
			p.advance()
			return Metric{Func: MetricCount}, nil
		}
	}
	if t.Kind != TokenKeyword {
		return Metric{}, p.errorf(t, "expected metric, got %s", t)
	}
	fn := MetricFunc(t.Value)
	switch fn {
	case MetricCount:
		p.advance()
		if p.peek().Kind == TokenLParen {
			p.advance()
			if p.peek().Kind == TokenStar {
				p.advance()
			}
			if _, err := p.expect(TokenRParen); err != nil {
				return Metric{}, err
			}
		}
		return Metric{Func: MetricCount}, nil
	case MetricSum, MetricAvg, MetricMin, MetricMax:
		p.advance()
		if _, err := p.expect(TokenLParen); err != nil {
			return Metric{}, err
		}
		field, err := p.parseField()
		if err != nil {
			return Metric{}, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return Metric{}, err
		}
		return Metric{Func: fn, Field: field}, nil
	}
	return Metric{}, p.errorf(t, "expected metric, got %s", t)
}

// nowValue is the NOW keyword used as a value; it resolves at execution.
type nowValue struct{}

func (nowValue) String() string { return "NOW" }

package parser

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCommand = errors.New("parser: invalid command")
	ErrTableNoIndex   = errors.New("parser: table has no index")
)

// Parse turns one statement's bytes into a Stmt. A trailing remainder
// after a complete statement is an error, echoed with a position marker.
func Parse(statement []byte) (Stmt, error) {
	tk := newTokenizer(statement)
	token, err := tk.peek()
	if err != nil {
		return nil, invalidStatement(tk)
	}
	tk.pop()

	var stmt Stmt
	switch token {
	case "begin":
		stmt, err = parseBegin(tk)
	case "commit":
		stmt, err = parseCommit(tk)
	case "abort":
		stmt, err = parseAbort(tk)
	case "show":
		stmt, err = parseShow(tk)
	case "create":
		stmt, err = parseCreate(tk)
	case "drop":
		stmt, err = parseDrop(tk)
	case "select":
		stmt, err = parseSelect(tk)
	case "insert":
		stmt, err = parseInsert(tk)
	case "delete":
		stmt, err = parseDelete(tk)
	case "update":
		stmt, err = parseUpdate(tk)
	default:
		err = ErrInvalidCommand
	}
	if err != nil {
		if errors.Is(err, ErrTableNoIndex) {
			return nil, err
		}
		return nil, invalidStatement(tk)
	}

	next, nerr := tk.peek()
	if nerr != nil || next != "" {
		return nil, invalidStatement(tk)
	}
	return stmt, nil
}

func invalidStatement(tk *tokenizer) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, tk.errStat())
}

func parseBegin(tk *tokenizer) (*Begin, error) {
	token, err := tk.peek()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return &Begin{}, nil
	}
	if token != "isolation" {
		return nil, ErrInvalidCommand
	}
	tk.pop()

	if err := expect(tk, "level"); err != nil {
		return nil, err
	}

	token, err = tk.peek()
	if err != nil {
		return nil, err
	}
	switch token {
	case "read":
		tk.pop()
		if err := expect(tk, "committed"); err != nil {
			return nil, err
		}
		return &Begin{}, nil
	case "repeatable":
		tk.pop()
		if err := expect(tk, "read"); err != nil {
			return nil, err
		}
		return &Begin{RepeatableRead: true}, nil
	}
	return nil, ErrInvalidCommand
}

func parseCommit(tk *tokenizer) (*Commit, error) {
	if err := expectEnd(tk); err != nil {
		return nil, err
	}
	return &Commit{}, nil
}

func parseAbort(tk *tokenizer) (*Abort, error) {
	if err := expectEnd(tk); err != nil {
		return nil, err
	}
	return &Abort{}, nil
}

func parseShow(tk *tokenizer) (*Show, error) {
	if err := expectEnd(tk); err != nil {
		return nil, err
	}
	return &Show{}, nil
}

func parseCreate(tk *tokenizer) (*Create, error) {
	if err := expect(tk, "table"); err != nil {
		return nil, err
	}

	name, err := tk.peek()
	if err != nil {
		return nil, err
	}
	if !isName(name) {
		return nil, ErrInvalidCommand
	}

	create := &Create{Table: name}
	for {
		tk.pop()
		field, err := tk.peek()
		if err != nil {
			return nil, err
		}
		if field == "(" {
			break
		}
		if !isName(field) {
			return nil, ErrInvalidCommand
		}
		tk.pop()

		fieldType, err := tk.peek()
		if err != nil {
			return nil, err
		}
		if !isType(fieldType) {
			return nil, ErrInvalidCommand
		}
		create.Fields = append(create.Fields, field)
		create.Types = append(create.Types, fieldType)
		tk.pop()

		next, err := tk.peek()
		if err != nil {
			return nil, err
		}
		switch next {
		case ",":
			continue
		case "":
			return nil, ErrTableNoIndex
		case "(":
		default:
			return nil, ErrInvalidCommand
		}
		break
	}
	tk.pop()

	if err := expect(tk, "index"); err != nil {
		return nil, err
	}
	for {
		field, err := tk.peek()
		if err != nil {
			return nil, err
		}
		if field == ")" {
			tk.pop()
			break
		}
		if !isName(field) {
			return nil, ErrInvalidCommand
		}
		create.Indexes = append(create.Indexes, field)
		tk.pop()
	}

	if err := expectEnd(tk); err != nil {
		return nil, err
	}
	return create, nil
}

func parseDrop(tk *tokenizer) (*Drop, error) {
	if err := expect(tk, "table"); err != nil {
		return nil, err
	}

	name, err := tk.peek()
	if err != nil {
		return nil, err
	}
	if !isName(name) {
		return nil, ErrInvalidCommand
	}
	tk.pop()

	if err := expectEnd(tk); err != nil {
		return nil, err
	}
	return &Drop{Table: name}, nil
}

func parseInsert(tk *tokenizer) (*Insert, error) {
	if err := expect(tk, "into"); err != nil {
		return nil, err
	}

	name, err := tk.peek()
	if err != nil {
		return nil, err
	}
	if !isName(name) {
		return nil, ErrInvalidCommand
	}
	tk.pop()

	if err := expectWord(tk, "values"); err != nil {
		return nil, err
	}

	insert := &Insert{Table: name}
	for {
		tk.pop()
		value, err := tk.peek()
		if err != nil {
			return nil, err
		}
		if value == "" {
			break
		}
		insert.Values = append(insert.Values, value)
	}
	return insert, nil
}

func parseSelect(tk *tokenizer) (*Select, error) {
	sel := &Select{}

	token, err := tk.peek()
	if err != nil {
		return nil, err
	}
	if token == "*" {
		sel.Fields = append(sel.Fields, token)
		tk.pop()
	} else {
		for {
			field, err := tk.peek()
			if err != nil {
				return nil, err
			}
			if !isName(field) {
				return nil, ErrInvalidCommand
			}
			sel.Fields = append(sel.Fields, field)
			tk.pop()

			next, err := tk.peek()
			if err != nil {
				return nil, err
			}
			if next != "," {
				break
			}
			tk.pop()
		}
	}

	if err := expect(tk, "from"); err != nil {
		return nil, err
	}

	name, err := tk.peek()
	if err != nil {
		return nil, err
	}
	if !isName(name) {
		return nil, ErrInvalidCommand
	}
	sel.Table = name
	tk.pop()

	token, err = tk.peek()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return sel, nil
	}

	sel.Where, err = parseWhere(tk)
	if err != nil {
		return nil, err
	}
	return sel, nil
}

func parseUpdate(tk *tokenizer) (*Update, error) {
	update := &Update{}

	name, err := tk.peek()
	if err != nil {
		return nil, err
	}
	update.Table = name
	tk.pop()

	if err := expect(tk, "set"); err != nil {
		return nil, err
	}

	update.Field, err = tk.peek()
	if err != nil {
		return nil, err
	}
	tk.pop()

	if err := expect(tk, "="); err != nil {
		return nil, err
	}

	update.Value, err = tk.peek()
	if err != nil {
		return nil, err
	}
	tk.pop()

	token, err := tk.peek()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return update, nil
	}

	update.Where, err = parseWhere(tk)
	if err != nil {
		return nil, err
	}
	return update, nil
}

func parseDelete(tk *tokenizer) (*Delete, error) {
	if err := expect(tk, "from"); err != nil {
		return nil, err
	}

	name, err := tk.peek()
	if err != nil {
		return nil, err
	}
	if !isName(name) {
		return nil, ErrInvalidCommand
	}
	tk.pop()

	where, err := parseWhere(tk)
	if err != nil {
		return nil, err
	}
	return &Delete{Table: name, Where: where}, nil
}

func parseWhere(tk *tokenizer) (*Where, error) {
	if err := expect(tk, "where"); err != nil {
		return nil, err
	}

	where := &Where{}
	exp, err := parseSingleExpr(tk)
	if err != nil {
		return nil, err
	}
	where.First = exp

	logicOp, err := tk.peek()
	if err != nil {
		return nil, err
	}
	if logicOp == "" {
		return where, nil
	}
	if !isLogicOp(logicOp) {
		return nil, ErrInvalidCommand
	}
	where.LogicOp = logicOp
	tk.pop()

	where.Second, err = parseSingleExpr(tk)
	if err != nil {
		return nil, err
	}

	if err := expectEnd(tk); err != nil {
		return nil, err
	}
	return where, nil
}

func parseSingleExpr(tk *tokenizer) (SingleExpr, error) {
	var exp SingleExpr

	field, err := tk.peek()
	if err != nil {
		return exp, err
	}
	if !isName(field) {
		return exp, ErrInvalidCommand
	}
	exp.Field = field
	tk.pop()

	op, err := tk.peek()
	if err != nil {
		return exp, err
	}
	if !isCmpOp(op) {
		return exp, ErrInvalidCommand
	}
	exp.CmpOp = op
	tk.pop()

	exp.Value, err = tk.peek()
	if err != nil {
		return exp, err
	}
	tk.pop()
	return exp, nil
}

// expect consumes the given token or fails.
func expect(tk *tokenizer, want string) error {
	token, err := tk.peek()
	if err != nil {
		return err
	}
	if token != want {
		return ErrInvalidCommand
	}
	tk.pop()
	return nil
}

// expectWord checks the current token without consuming past it; the
// insert value loop pops it itself.
func expectWord(tk *tokenizer, want string) error {
	token, err := tk.peek()
	if err != nil {
		return err
	}
	if token != want {
		return ErrInvalidCommand
	}
	return nil
}

func expectEnd(tk *tokenizer) error {
	token, err := tk.peek()
	if err != nil {
		return err
	}
	if token != "" {
		return ErrInvalidCommand
	}
	return nil
}

func isCmpOp(op string) bool {
	return op == "=" || op == ">" || op == "<"
}

func isLogicOp(op string) bool {
	return op == "and" || op == "or"
}

func isType(tp string) bool {
	return tp == "int32" || tp == "int64" || tp == "string"
}

func isName(name string) bool {
	if name == "" {
		return false
	}
	return !(len(name) == 1 && !isAlpha(name[0]))
}

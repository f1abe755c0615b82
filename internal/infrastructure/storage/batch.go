package storage

import (
	"context"
	"fmt"
	"strings"
)

// UpsertSpec 参数化批量 upsert 的表结构描述
type UpsertSpec struct {
	Table           string
	Columns         []string
	ConflictColumns []string
	UpdateColumns   []string
}

func (s UpsertSpec) validate() error {
	if s.Table == "" || len(s.Columns) == 0 || len(s.ConflictColumns) == 0 {
		return fmt.Errorf("upsert spec for %q incomplete", s.Table)
	}
	for _, c := range s.ConflictColumns {
		if s.index(c) < 0 {
			return fmt.Errorf("conflict column %q not in columns of %s", c, s.Table)
		}
	}
	return nil
}

func (s UpsertSpec) index(col string) int {
	for i, c := range s.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// BuildUpsert 生成 n 行的 INSERT ... ON CONFLICT DO UPDATE，占位符为 ?
func BuildUpsert(s UpsertSpec, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.Table)
	b.WriteString(" (")
	b.WriteString(strings.Join(s.Columns, ", "))
	b.WriteString(") VALUES ")

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(s.Columns)), ", ") + ")"
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(strings.Join(s.ConflictColumns, ", "))
	b.WriteString(")")
	if len(s.UpdateColumns) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range s.UpdateColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
		b.WriteString(" = excluded.")
		b.WriteString(c)
	}
	return b.String()
}

// dedupe 同一批内冲突键重复时保留最后一次出现的行
// 同一条语句里出现两次相同冲突键会被 postgres 拒绝
func dedupe(s UpsertSpec, rows [][]any) [][]any {
	idx := make([]int, len(s.ConflictColumns))
	for i, c := range s.ConflictColumns {
		idx[i] = s.index(c)
	}
	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		parts := make([]string, len(idx))
		for i, j := range idx {
			parts[i] = fmt.Sprint(r[j])
		}
		key := strings.Join(parts, "\x00")
		if p, ok := pos[key]; ok {
			out[p] = r
			continue
		}
		pos[key] = len(out)
		out = append(out, r)
	}
	return out
}

// BatchUpsert 去重后按 BatchSize 分片，在同一事务内顺序写入，返回写入行数
func (g *Gateway) BatchUpsert(ctx context.Context, spec UpsertSpec, rows [][]any) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := spec.validate(); err != nil {
		return 0, err
	}
	for i, r := range rows {
		if len(r) != len(spec.Columns) {
			return 0, fmt.Errorf("row %d has %d values, want %d", i, len(r), len(spec.Columns))
		}
	}
	rows = dedupe(spec, rows)

	op := "upsert " + spec.Table
	err := g.WithTx(ctx, op, func(tx *Tx) error {
		for start := 0; start < len(rows); start += g.cfg.BatchSize {
			end := start + g.cfg.BatchSize
			if end > len(rows) {
				end = len(rows)
			}
			chunk := rows[start:end]
			args := make([]any, 0, len(chunk)*len(spec.Columns))
			for _, r := range chunk {
				args = append(args, r...)
			}
			if _, err := tx.Exec(ctx, BuildUpsert(spec, len(chunk)), args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

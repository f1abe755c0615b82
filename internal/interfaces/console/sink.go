package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"oraclesync/internal/application/port"
)

// Sink 终端输出：live 行覆盖上一行，不换行
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSink() port.Sink { return NewSinkTo(os.Stdout) }

func NewSinkTo(w io.Writer) *Sink { return &Sink{w: w} }

func (s *Sink) WriteLive(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprint(s.w, "\r\033[K"+line)
	return err
}

func (s *Sink) NewLine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprint(s.w, "\n")
	return err
}

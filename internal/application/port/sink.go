package port

// Sink 终端输出端口
type Sink interface {
	// WriteLive 覆盖当前行，不换行
	WriteLive(line string) error
	NewLine() error
}

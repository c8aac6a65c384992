package util

import "fmt"

// 日志工具类接口，节点内各模块都通过它输出
type Logger interface {
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// 带模块前缀的 Logger，前缀在每条日志前以 [name] 形式出现
type namedLogger struct {
	name string
}

// Named 返回写入全局 Logger 的模块日志器；全局 Logger 替换后依然生效
func Named(name string) Logger {
	return namedLogger{name: name}
}

func (n namedLogger) Infof(format string, args ...any) {
	L().Infof("[%s] %s", n.name, fmt.Sprintf(format, args...))
}
func (n namedLogger) Debugf(format string, args ...any) {
	L().Debugf("[%s] %s", n.name, fmt.Sprintf(format, args...))
}
func (n namedLogger) Warnf(format string, args ...any) {
	L().Warnf("[%s] %s", n.name, fmt.Sprintf(format, args...))
}
func (n namedLogger) Errorf(format string, args ...any) {
	L().Errorf("[%s] %s", n.name, fmt.Sprintf(format, args...))
}

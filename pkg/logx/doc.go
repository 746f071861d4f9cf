// Package logx provides a small structured logging facade over zerolog.
//
// It supports live reconfiguration (level, console/file sinks) via Service.Apply
// so a config reload can change logging without recreating component loggers.
package logx

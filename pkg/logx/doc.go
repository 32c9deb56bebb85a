// Package logx is pobot's structured logging layer on top of zerolog.
//
// Console output is human readable, the optional file sink is JSON, and an
// optional chat sink forwards warnings to the notify chat once a sender is
// attached.
package logx

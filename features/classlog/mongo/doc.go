// Package mongo registers MongoDB-backed classification audit storage for
// the tutoring runtime.
//
// Use clients/mongo to build the low-level client and pass it to NewRecorder
// to obtain a classlog.Recorder that persists classification verdicts.
package mongo

// Package storage persists the subscriber set, the "currently live" flags and
// an audit trail of operator actions.
//
// The file driver stores one JSON object,
//
//	{"subscriber":{"<chat_id>":true},"live":{"<uid>":true}}
//
// and tolerates a missing or corrupt file by starting empty.
package storage

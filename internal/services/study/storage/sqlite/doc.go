// Package sqlite persists the study event journal and read model in SQLite
// databases. The journal and the read model live in separate files so the
// read model can be deleted and rebuilt without touching the journal.
package sqlite

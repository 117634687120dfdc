// Package postgres persists the study event journal and read model in one
// Postgres database, through pgx's database/sql driver.
package postgres

// Package memstore — хранилища в памяти.
//
// Используется тестами и режимом STORAGE=memory, в котором весь
// control plane и хранилища тенантов живут в одном процессе.
//
//   - ControlPlane — реестр тенантов, задания, proposals
//   - Resolver     — хранилища тенантов с транзакциями copy-on-write
//
// Состояние не переживает перезапуск процесса.
package memstore

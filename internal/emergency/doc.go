// Package emergency provides the business boundary for SOS alerts. It defines
// the Service (trigger orchestration, status lifecycle, contact management),
// the health snapshot assembler, the store and collaborator interfaces, and
// the domain models.
package emergency

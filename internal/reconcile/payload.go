package reconcile

import (
	"strings"

	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/calendar"
	"github.com/rezendedigital02/dash/internal/clinictime"
)

const blockedNotice = "⚠️ Este horário está bloqueado para agendamentos."

// AppointmentEvent renders a. The result depends only on the record so a
// retried export sends the same event.
func AppointmentEvent(a *appointment.Appointment) calendar.NewEvent {
	start := a.StartsAt.In(clinictime.Zone)

	lines := []string{
		"Paciente: " + a.SubjectName,
		"Telefone: " + a.SubjectPhone,
	}
	if a.SubjectEmail != nil {
		lines = append(lines, "Email: "+*a.SubjectEmail)
	}
	if a.Notes != nil {
		lines = append(lines, "\nObservações: "+*a.Notes)
	}

	ev := calendar.NewEvent{
		Summary:     a.Kind.Label() + " - " + a.SubjectName,
		Description: strings.Join(lines, "\n"),
		Start:       start,
		End:         start.Add(clinictime.SlotLength),
	}
	if a.SubjectEmail != nil {
		ev.Attendees = []string{*a.SubjectEmail}
	}
	return ev
}

// BlockEvent renders b as a timed event. Full-day blocks span the working
// day so the calendar shows them as busy instead of as an all-day banner.
func BlockEvent(b *appointment.Block) calendar.NewEvent {
	from, to := clinictime.DayOpen, clinictime.DayClose
	kindLabel := "Dia Inteiro"
	reason := "Dia bloqueado"
	if b.Kind == appointment.BlockTimeRange {
		kindLabel = "Horário Específico"
		reason = "Horário bloqueado"
		if b.RangeStart != nil && b.RangeEnd != nil {
			from, to = *b.RangeStart, *b.RangeEnd
		}
	}

	lines := []string{"Tipo: " + kindLabel}
	if b.Reason != nil {
		reason = *b.Reason
		lines = append(lines, "Motivo: "+reason)
	}
	lines = append(lines, blockedNotice)

	return calendar.NewEvent{
		Summary:     "🔒 BLOQUEADO - " + reason,
		Description: strings.Join(lines, "\n"),
		Start:       b.Date.At(from),
		End:         b.Date.At(to),
	}
}

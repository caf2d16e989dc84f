package reminder

// TypeTag is the leading component of an encoded notification id.
type TypeTag int

const (
	TagMedication  TypeTag = 1
	TagAppointment TypeTag = 2
)

// Appointment reminder offsets, used as the occurrence component of the id.
const (
	OffsetDayBefore  = 1
	OffsetSameDay    = 2
	OffsetHourBefore = 3
)

const (
	entityDigits     = 1_000_000 // six decimal digits
	occurrenceDigits = 1_000     // three decimal digits

	// MaxOccurrences is the number of distinct occurrence indexes the id
	// layout can hold per entity.
	MaxOccurrences = occurrenceDigits
)

// EncodeID lays out a notification id as the decimal concatenation
// TT EEEEEE OOO: a two-digit type tag, the entity id zero-padded and
// truncated to its last six digits, and a three-digit occurrence index.
//
// Entity ids of 1,000,000 and above alias onto smaller ones. Occurrence
// indexes must be below MaxOccurrences.
func EncodeID(tag TypeTag, entityID int64, occurrence int) int64 {
	e := entityID % entityDigits
	if e < 0 {
		e = -e
	}
	o := int64(occurrence) % occurrenceDigits
	if o < 0 {
		o = -o
	}
	return int64(tag)*entityDigits*occurrenceDigits + e*occurrenceDigits + o
}

// DecodeID splits an id produced by EncodeID back into its components. The
// entity id is the truncated six-digit value.
func DecodeID(id int64) (tag TypeTag, entityID int64, occurrence int) {
	occurrence = int(id % occurrenceDigits)
	entityID = (id / occurrenceDigits) % entityDigits
	tag = TypeTag(id / (entityDigits * occurrenceDigits))
	return tag, entityID, occurrence
}

// AppointmentBaseID is the id to which the appointment offsets are added.
func AppointmentBaseID(appointmentID int64) int64 {
	return EncodeID(TagAppointment, appointmentID, 0)
}

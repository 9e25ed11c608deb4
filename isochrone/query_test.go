package isochrone

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueryValidate(t *testing.T) {
	base := Query{Lat: 0, Lon: 0, BudgetMinutes: 30, Weekday: time.Wednesday, DepartureMinutes: 480}

	valid := base
	assert.NoError(t, valid.validate())

	zeroBudget := base
	zeroBudget.BudgetMinutes = 0
	assert.ErrorIs(t, zeroBudget.validate(), ErrInvalidInput)

	negativeDeparture := base
	negativeDeparture.DepartureMinutes = -1
	assert.ErrorIs(t, negativeDeparture.validate(), ErrInvalidInput)

	departureAtDayEnd := base
	departureAtDayEnd.DepartureMinutes = 24 * 60
	assert.ErrorIs(t, departureAtDayEnd.validate(), ErrInvalidInput)

	negativeWeekday := base
	negativeWeekday.Weekday = time.Weekday(-1)
	assert.ErrorIs(t, negativeWeekday.validate(), ErrInvalidInput)

	unknownWeekday := base
	unknownWeekday.Weekday = time.Weekday(47)
	assert.ErrorIs(t, unknownWeekday.validate(), ErrInvalidInput)

	nanLat := base
	nanLat.Lat = math.NaN()
	assert.ErrorIs(t, nanLat.validate(), ErrInvalidInput)

	infLon := base
	infLon.Lon = math.Inf(1)
	assert.ErrorIs(t, infLon.validate(), ErrInvalidInput)
}

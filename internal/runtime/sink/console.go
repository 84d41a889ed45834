package sink

import (
	"io"
	"os"
	"sync"

	errspkg "github.com/drblury/userflow/internal/runtime/errors"
	"github.com/drblury/userflow/internal/runtime/jsoncodec"
	"github.com/drblury/userflow/internal/runtime/record"
)

// Console renders decoded records as JSON lines. Concurrent Render calls are
// serialized so lines never interleave.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole returns a Console writing to out, or to stdout when out is nil.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out}
}

type consoleLine struct {
	ID             *string `json:"id"`
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	Gender         string  `json:"gender"`
	Address        string  `json:"address"`
	PostCode       string  `json:"post_code"`
	Email          string  `json:"email"`
	Username       string  `json:"username"`
	RegisteredDate string  `json:"registered_date"`
	Phone          string  `json:"phone"`
	Picture        string  `json:"picture"`
}

func newConsoleLine(rec record.UserRecord) consoleLine {
	line := consoleLine{
		FirstName:      rec.FirstName,
		LastName:       rec.LastName,
		Gender:         rec.Gender,
		Address:        rec.Address,
		PostCode:       rec.PostCode,
		Email:          rec.Email,
		Username:       rec.Username,
		RegisteredDate: rec.RegisteredDate,
		Phone:          rec.Phone,
		Picture:        rec.Picture,
	}
	if rec.ID != "" {
		id := rec.ID
		line.ID = &id
	}
	return line
}

// Render writes one line for rec. Failures come back as *errors.RenderError.
func (c *Console) Render(rec record.UserRecord) error {
	data, err := jsoncodec.MarshalLine(newConsoleLine(rec))
	if err != nil {
		return &errspkg.RenderError{Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.out.Write(data); err != nil {
		return &errspkg.RenderError{Err: err}
	}
	return nil
}

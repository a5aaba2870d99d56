package tract

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
)

func TestValidateParcel(t *testing.T) {
	tests := []struct {
		name    string
		parcel  Parcel
		wantErr bool
	}{
		{
			name:   "square",
			parcel: squareParcel("ok", "o", 0, 0, 50),
		},
		{
			name:   "self-intersecting ring passes",
			parcel: bowtieParcel("bow", "o", 0),
		},
		{
			name:    "two points",
			parcel:  NewParcel("two", "o", orb.Ring{{0, 0}, {1, 1}}, nil),
			wantErr: true,
		},
		{
			name:    "empty ring",
			parcel:  Parcel{ID: "empty"},
			wantErr: true,
		},
		{
			name:    "NaN coordinate",
			parcel:  NewParcel("nan", "o", orb.Ring{{0, 0}, {math.NaN(), 0}, {1, 1}, {0, 0}}, nil),
			wantErr: true,
		},
		{
			name:    "infinite coordinate",
			parcel:  NewParcel("inf", "o", orb.Ring{{0, 0}, {math.Inf(1), 0}, {1, 1}, {0, 0}}, nil),
			wantErr: true,
		},
		{
			name:    "not closed",
			parcel:  Parcel{ID: "open", Ring: orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}}},
			wantErr: true,
		},
		{
			name:    "collinear ring has no area",
			parcel:  NewParcel("flat", "o", orb.Ring{{0, 0}, {1, 0}, {2, 0}, {0, 0}}, nil),
			wantErr: true,
		},
		{
			name: "short hole",
			parcel: Parcel{
				ID:    "hole",
				Ring:  rectRing(0, 0, 50, 50),
				Holes: []orb.Ring{{{0, 0}, {1, 1}}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParcel(tt.parcel)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !eris.Is(err, ErrInvalidGeometry) {
					t.Errorf("expected ErrInvalidGeometry, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateParcelConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			good := squareParcel(fmt.Sprintf("ok-%d", i), "o", float64(i)*100, 0, 50)
			if err := ValidateParcel(good); err != nil {
				errs <- err
			}
			bad := NewParcel(fmt.Sprintf("flat-%d", i), "o", orb.Ring{{0, 0}, {1, 0}, {2, 0}, {0, 0}}, nil)
			if err := ValidateParcel(bad); !eris.Is(err, ErrInvalidGeometry) {
				errs <- fmt.Errorf("parcel %s: expected ErrInvalidGeometry, got %v", bad.ID, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

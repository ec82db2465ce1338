// Package store persists watcher calibrations and API users in a storm database.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/q"
	"github.com/google/uuid"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/plasma"
	"golang.org/x/crypto/bcrypt"
)

var ErrNotFound = storm.ErrNotFound

// CalibrationRecord is one watcher calibration of a named setup.
type CalibrationRecord struct {
	ID          string `storm:"id"`
	Setup       string `storm:"index"`
	Created     int64  `storm:"index"` // unix nanoseconds
	Calibration plasma.Calibration
}

func (r CalibrationRecord) CreatedAt() time.Time {
	return time.Unix(0, r.Created)
}

// User is an API user.
type User struct {
	ID       int    `storm:"increment"` // pk
	Email    string `storm:"unique"`
	Name     string
	Password string
	Admin    bool
}

// SetPassword stores the bcrypt hash of pass.
func (u *User) SetPassword(pass []byte) error {
	hash, err := bcrypt.GenerateFromPassword(pass, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hash)
	return nil
}

// VerifyPassword returns the bcrypt result unchanged.
func (u *User) VerifyPassword(pass []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(u.Password), pass)
}

type Store struct {
	db *storm.DB
}

// Open opens or creates the database at path, creating its directory when needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := storm.Open(path)
	if err != nil {
		return nil, err
	}

	// call inits for each type
	for _, data := range []interface{}{&User{}, &CalibrationRecord{}} {
		if err := db.Init(data); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveCalibration(setup string, c plasma.Calibration) (CalibrationRecord, error) {
	record := CalibrationRecord{
		ID:          uuid.NewString(),
		Setup:       setup,
		Created:     time.Now().UnixNano(),
		Calibration: c,
	}
	return record, s.db.Save(&record)
}

// LatestCalibration returns the newest calibration of setup or ErrNotFound.
func (s *Store) LatestCalibration(setup string) (record CalibrationRecord, err error) {
	err = s.db.Select(q.Eq("Setup", setup)).OrderBy("Created").Reverse().First(&record)
	return
}

// Calibrations lists the calibrations of setup, oldest first.
func (s *Store) Calibrations(setup string) (records []CalibrationRecord, err error) {
	err = s.db.Select(q.Eq("Setup", setup)).OrderBy("Created").Find(&records)
	if errors.Is(err, storm.ErrNotFound) {
		return nil, nil
	}
	return
}

func (s *Store) SaveUser(u *User) error {
	return s.db.Save(u)
}

func (s *Store) UserByEmail(email string) (user User, err error) {
	err = s.db.One("Email", email, &user)
	return
}

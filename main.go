package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/v-usatikov/microscope-controller-sub000/onboard"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/store"
)

type EnvConfig struct {
	SetupFile string `env:"SETUP_FILE" envDefault:"./setup.yaml"`
	DBFile    string `env:"DB_FILE" envDefault:"./tmp/dev.db"`
	Listen    string `env:"LISTEN" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON   bool   `env:"LOG_JSON" envDefault:"0"`
	DEBUG     bool   `env:"DEBUG" envDefault:"0"`
	Simulated bool   `env:"SIMULATED" envDefault:"0"`
	JWTSecret string `env:"JWT_SECRET" envDefault:"xWumOlRfhu+LBi2F2e1yF4FiaopQ5mr8klL4fpILnlI="`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"DEV"`

	Store  *store.Store
	Device *onboard.Microscope
	// Stop is raised by /api/stop and polled by long running operations.
	Stop *motors.StopFlag
}

var (
	ENV *EnvConfig
	log = logrus.WithField("component", "api")
)

func init() {
	// a missing .env file is fine
	_ = godotenv.Load()

	ENV = &EnvConfig{Stop: &motors.StopFlag{}}
	if err := env.Parse(ENV); err != nil {
		logrus.WithError(err).Fatal("unable to parse environment")
	}
}

func setupLogging() {
	if ENV.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(ENV.LogLevel)
	if err != nil {
		logrus.WithError(err).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func openDevice(simulated bool) (*onboard.Microscope, error) {
	entry := logrus.NewEntry(logrus.StandardLogger())
	if simulated {
		log.Info("creating simulator")
		return onboard.NewSimulator(nil, entry)
	}
	config, err := onboard.ReadSetupConfig(ENV.SetupFile)
	if err != nil {
		return nil, err
	}
	return onboard.NewMicroscope(config, entry)
}

// restoreCalibration takes over the newest stored watcher calibration of the device.
func restoreCalibration(device *onboard.Microscope, s *store.Store) {
	if device.Watcher == nil {
		return
	}
	record, err := s.LatestCalibration(device.Name)
	if err != nil {
		if err != store.ErrNotFound {
			log.WithError(err).Warn("reading stored calibration failed")
		}
		return
	}
	if err := device.Watcher.Restore(record.Calibration); err != nil {
		log.WithError(err).Warn("stored calibration rejected")
	}
}

func NewRouter() chi.Router {
	r := chi.NewRouter()

	// A good base middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	authenticated := func(r chi.Router) {
		if !ENV.DEBUG {
			r.Use(ValidateJWT)
		}
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", Login)

		r.Group(func(r chi.Router) {
			authenticated(r)

			r.Get("/refresh_token", JWTRefresh)
			r.Get("/motors", ListMotors)
			r.Post("/motors/{name}/go_to", MotorGoTo)
			r.Post("/motors/{name}/go", MotorGo)
			r.Post("/stop", StopAll)
			r.Post("/calibrate", CalibrateMotors)
			r.Get("/plasma", GetPlasma)
			r.Post("/plasma/move_to", PlasmaMoveTo)
			r.Post("/plasma/calibrate", CalibrateWatcher)
			r.Post("/holder/start", HolderStart)
			r.Post("/holder/stop", HolderStop)
		})
	})

	r.Route("/ws", func(r chi.Router) {
		authenticated(r)
		r.Get("/camera/{name}", CameraStreamHandler)
	})
	return r
}

func main() {
	simulated := flag.Bool("sim", ENV.Simulated, "Run the device in simulator mode")
	listen := flag.String("listen", ENV.Listen, "Specify the ip:port to listen on")
	shell := flag.Bool("shell", true, "Start the development shell")
	flag.Parse()

	setupLogging()
	if ENV.DEBUG {
		log.Warn("running in debug mode, authentication disabled")
	}

	s, err := store.Open(ENV.DBFile)
	if err != nil {
		log.WithError(err).Fatal("unable to open database")
	}
	defer s.Close() // close database when finished
	ENV.Store = s

	device, err := openDevice(*simulated)
	if err != nil {
		log.WithError(err).Fatal("unable to initialize device")
	}
	defer device.Close()
	ENV.Device = device
	restoreCalibration(device, s)

	if *shell {
		newShell(device).Start()
	}

	log.WithField("listen", *listen).Info("listening")
	if err := http.ListenAndServe(*listen, NewRouter()); err != nil {
		log.WithError(err).Error("server stopped")
		device.Close()
		os.Exit(1)
	}
}

package main

import (
	"errors"
	"sort"
	"strconv"

	"github.com/abiosoft/ishell"
	"github.com/v-usatikov/microscope-controller-sub000/onboard"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/plasma"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/store"
)

// parseFloats parses every argument, reporting the first failure.
func parseFloats(args []string) ([]float64, error) {
	values := make([]float64, len(args))
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// unitsArg reads optional units following n positional arguments.
func unitsArg(args []string, n int) (motors.Units, error) {
	if len(args) > n {
		return motors.ParseUnits(args[n])
	}
	return motors.DISPL, nil
}

func newShell(device *onboard.Microscope) *ishell.Shell {
	motorNames := func([]string) []string {
		names := device.Cluster.Names()
		sort.Strings(names)
		return names
	}
	needWatcher := func(c *ishell.Context) *plasma.Watcher {
		if device.Watcher == nil {
			c.Err(errors.New("device has no plasma watcher"))
		}
		return device.Watcher
	}

	shell := ishell.New()
	shell.Println("Microscope development shell")
	shell.Println(device.Report())
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name: "createsuperuser",
		Help: "createsuperuser <email> <password>",
		Func: func(c *ishell.Context) {
			// disable the '>>>' for cleaner same line input.
			c.ShowPrompt(false)
			defer c.ShowPrompt(true) // yes, revert when done.

			// get email
			var email string
			if len(c.Args) >= 1 {
				email = c.Args[0]
			} else {
				c.Print("Email: ")
				email = c.ReadLine()
			}

			// get password
			var password string
			if len(c.Args) >= 2 {
				password = c.Args[1]
			} else {
				c.Print("Password: ")
				password = c.ReadPassword()
			}

			user := &store.User{
				Email: email,
				Name:  email,
				Admin: true,
			}
			if err := user.SetPassword([]byte(password)); err != nil {
				c.Err(err)
				return
			}
			if err := ENV.Store.SaveUser(user); err != nil {
				c.Err(err)
				return
			}
			c.Println("Superuser created")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "motors",
		Help: "list motors with their positions",
		Func: func(c *ishell.Context) {
			for _, name := range motorNames(nil) {
				m, _ := device.Cluster.Motor(name)
				pos, err := m.Position(motors.DISPL)
				if err != nil {
					c.Printf("%-12s error: %v\n", name, err)
					continue
				}
				c.Printf("%-12s %10.3f %s\n", name, pos, m.Config().DisplayUnits)
			}
		},
	})

	move := func(relative bool) func(c *ishell.Context) {
		return func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errors.New("usage: <motor> <value> [units]"))
				return
			}
			values, err := parseFloats(c.Args[1:2])
			if err != nil {
				c.Err(err)
				return
			}
			units, err := unitsArg(c.Args, 2)
			if err != nil {
				c.Err(err)
				return
			}
			target := map[string]float64{c.Args[0]: values[0]}
			ENV.Stop.Reset()
			if relative {
				err = device.Cluster.Go(target, units, true, ENV.Stop)
			} else {
				err = device.Cluster.GoTo(target, units, true, ENV.Stop)
			}
			if err != nil {
				c.Err(err)
			}
		}
	}
	shell.AddCmd(&ishell.Cmd{
		Name:      "move",
		Completer: motorNames,
		Help:      "move <motor> <target> [contr|norm|displ]",
		Func:      move(false),
	})
	shell.AddCmd(&ishell.Cmd{
		Name:      "go",
		Completer: motorNames,
		Help:      "go <motor> <shift> [contr|norm|displ]",
		Func:      move(true),
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "stop",
		Help: "stop all motors and running operations",
		Func: func(c *ishell.Context) {
			ENV.Stop.Request()
			if device.Holder != nil {
				device.Holder.Stop()
			}
			if err := device.Cluster.Stop(); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "calibrate",
		Completer: motorNames,
		Help:      "calibrate <motor>... against the initiators",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(errors.New("no motors given"))
				return
			}
			ENV.Stop.Reset()
			c.ProgressBar().Indeterminate(true)
			c.ProgressBar().Start()
			err := device.Cluster.CalibrateMotors(c.Args, ENV.Stop, nil)
			c.ProgressBar().Stop()
			if err != nil {
				c.Err(err)
				return
			}
			if err := device.SaveSession(); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "jet",
		Help: "jet [x z] prints the jet position or moves it",
		Func: func(c *ishell.Context) {
			w := needWatcher(c)
			if w == nil {
				return
			}
			if len(c.Args) >= 2 {
				v, err := parseFloats(c.Args[:2])
				if err != nil {
					c.Err(err)
					return
				}
				if err := w.MoveJetTo(v[0], v[1]); err != nil {
					c.Err(err)
					return
				}
			}
			x, z, err := w.JetPosition()
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("jet at x=%.2f z=%.2f\n", x, z)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "plasma",
		Help: "plasma [x y z] prints the plasma position or moves it",
		Func: func(c *ishell.Context) {
			w := needWatcher(c)
			if w == nil {
				return
			}
			if len(c.Args) >= 3 {
				v, err := parseFloats(c.Args[:3])
				if err != nil {
					c.Err(err)
					return
				}
				if err := w.MovePlasmaTo(plasma.Position{X: v[0], Y: v[1], Z: v[2]}); err != nil {
					c.Err(err)
					return
				}
			}
			p, r, err := w.PlasmaPosition()
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("plasma at %v, radius %.1f px\n", p, r)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "enl",
		Help: "enl [points] calibrates the camera scales",
		Func: func(c *ishell.Context) {
			w := needWatcher(c)
			if w == nil {
				return
			}
			points := 0
			if len(c.Args) > 0 {
				points, _ = strconv.Atoi(c.Args[0])
			}
			ENV.Stop.Reset()
			if err := w.CalibrateEnl(points, 0, ENV.Stop); err != nil {
				c.Err(err)
				return
			}
			saveCalibration(c, device)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "focus",
		Help: "focus [here] finds the laser focus, here keeps the plasma position",
		Func: func(c *ishell.Context) {
			w := needWatcher(c)
			if w == nil {
				return
			}
			settings := plasma.PlasmaSettings{}
			if len(c.Args) > 0 && c.Args[0] == "here" {
				settings.KeepPosition = true
			}
			ENV.Stop.Reset()
			if err := w.CalibratePlasma(settings, ENV.Stop); err != nil {
				c.Err(err)
				return
			}
			saveCalibration(c, device)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "hold",
		Help: "hold [off|coarse] keeps the plasma at the current position",
		Func: func(c *ishell.Context) {
			if device.Holder == nil {
				c.Err(errors.New("device has no plasma holder"))
				return
			}
			if len(c.Args) > 0 && c.Args[0] == "off" {
				device.Holder.Stop()
				return
			}
			settings := device.Holder.Settings()
			settings.ShiftTolPx = 0
			if len(c.Args) > 0 && c.Args[0] == "coarse" {
				settings.ShiftTolPx = plasma.COARSE_SHIFT_TOL_PX
			}
			device.Holder.SetSettings(settings)
			if err := device.Holder.HoldHere(); err != nil {
				c.Err(err)
				return
			}
			device.Holder.Start()
			c.Printf("holding plasma at %v\n", device.Holder.Target())
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "save",
		Help: "save the motors session",
		Func: func(c *ishell.Context) {
			if err := device.SaveSession(); err != nil {
				c.Err(err)
			}
		},
	})

	return shell
}

func saveCalibration(c *ishell.Context, device *onboard.Microscope) {
	calibration := device.Watcher.Calibration()
	c.Printf("%+v\n", calibration)
	if _, err := ENV.Store.SaveCalibration(device.Name, calibration); err != nil {
		c.Err(err)
	}
}

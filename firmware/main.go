//go:build tinygo

package main

import (
	"machine"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/device"

	"tinygo.org/x/drivers/servo"
)

// output is a servo signal pin and the PWM slice that drives it
type output struct {
	PWM servo.PWM
	Pin machine.Pin
}

var outputs = []output{
	{PWM: machine.PWM0, Pin: machine.GP16},
	{PWM: machine.PWM1, Pin: machine.GP18},
	{PWM: machine.PWM2, Pin: machine.GP20},
	{PWM: machine.PWM3, Pin: machine.GP22},
}

func main() {
	machine.Serial.Configure(machine.UARTConfig{BaudRate: servomotion.DefaultBaudRate})

	servos := make([]device.Servo, 0, len(outputs))
	for i, o := range outputs {
		s, err := servo.New(o.PWM, o.Pin)
		if err != nil {
			panic("error creating servo " + string(rune('0'+i)) + ": " + err.Error())
		}
		servos = append(servos, &s)
	}

	d := device.New(servos, device.Config{
		Units: servomotion.UnitsAngle,
		Out:   machine.Serial,
	})

	println("ready")
	for {
		err := d.Run(machine.Serial)
		if err != nil {
			println(err.Error())
		}
	}
}

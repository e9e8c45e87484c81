package cmd

import (
	"fmt"
)

const banner = `
     _          _  __                           _
 ___| |__   ___| |/ _| __ _ _   _  __ _ _ __ __| |
/ __| '_ \ / _ \ | |_ / _` + "`" + ` | | | |/ _` + "`" + ` | '__/ _` + "`" + ` |
\__ \ | | |  __/ |  _| (_| | |_| | (_| | | | (_| |
|___/_| |_|\___|_|_|  \__, |\__,_|\__,_|_|  \__,_|
                      |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Admin Security Control Plane - Version %s\x1b[0m\n\n", Version)
}

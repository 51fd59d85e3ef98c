package docker

var ParseDevice = parseDevice

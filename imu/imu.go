// Package imu holds the minimal IMU sample types consumed by pipeline
// and backend.IMU, grounded in spec.md §6 "Inputs" ("an optional
// sequence of IMU samples spanning the inter-frame interval").
package imu

// Sample is one inertial measurement: angular velocity and linear
// acceleration at a timestamp.
type Sample struct {
	Timestamp    float64
	Gyro         [3]float64
	Accelerometer [3]float64
}
